package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mirror-protocol/mirrorx/app/reconciler/activity"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"
)

type fakePass struct {
	mu      sync.Mutex
	height  uint64
	calls   []string
	heights []uint64
	failCdp error
}

func (f *fakePass) record(step string, height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, step)
	f.heights = append(f.heights, height)
}

func (f *fakePass) Height(context.Context) (uint64, error) { return f.height, nil }

func (f *fakePass) SyncAssetPositions(_ context.Context, h uint64) (reconcile.Report, error) {
	f.record("assets", h)
	return reconcile.Report{Height: h, AssetsChecked: 3, AssetsUpdated: 1}, nil
}

func (f *fakePass) SyncCdpValues(_ context.Context, h uint64) (reconcile.Report, error) {
	f.record("cdps", h)
	if f.failCdp != nil {
		return reconcile.Report{}, f.failCdp
	}
	return reconcile.Report{Height: h, CdpsChecked: 4, CdpsUpdated: 1, CdpsDeleted: 1}, nil
}

func (f *fakePass) RecoverCdps(_ context.Context, h uint64) (reconcile.Report, error) {
	f.record("recover", h)
	return reconcile.Report{Height: h, CdpsChecked: 5, CdpsCreated: 2, Failed: 1}, nil
}

func (f *fakePass) SyncAggregates(_ context.Context, h uint64) (reconcile.Report, error) {
	f.record("aggregates", h)
	return reconcile.Report{Height: h, AggregatesUpdated: 2}, nil
}

func (f *fakePass) SyncBalances(_ context.Context, h uint64) (reconcile.Report, error) {
	f.record("balances", h)
	return reconcile.Report{Height: h, BalancesChecked: 6, BalancesUpdated: 1}, nil
}

func setup(t *testing.T, pass *fakePass) (*testsuite.TestWorkflowEnvironment, *Context) {
	t.Helper()
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	wc := &Context{ActivityContext: &activity.Context{Logger: zaptest.NewLogger(t), Pass: pass}}
	env.RegisterWorkflow(wc.ReconcileWorkflow)
	env.RegisterActivity(wc.ActivityContext)
	return env, wc
}

func TestReconcileWorkflowRunsStepsAtPinnedHeight(t *testing.T) {
	pass := &fakePass{height: 4242}
	env, wc := setup(t, pass)

	env.ExecuteWorkflow(wc.ReconcileWorkflow, reconcile.AllSteps())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var report reconcile.Report
	require.NoError(t, env.GetWorkflowResult(&report))
	assert.Equal(t, uint64(4242), report.Height)
	assert.Equal(t, 1, report.AssetsUpdated)
	assert.Equal(t, 9, report.CdpsChecked)
	assert.Equal(t, 2, report.CdpsCreated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.AggregatesUpdated)
	assert.Equal(t, 1, report.BalancesUpdated)
	assert.Equal(t, 8, report.Writes())

	assert.Equal(t, []string{"assets", "cdps", "recover", "aggregates", "balances"}, pass.calls)
	assert.Equal(t, []uint64{4242, 4242, 4242, 4242, 4242}, pass.heights)
}

func TestReconcileWorkflowSkipsUnselectedSteps(t *testing.T) {
	pass := &fakePass{height: 7}
	env, wc := setup(t, pass)

	env.ExecuteWorkflow(wc.ReconcileWorkflow, reconcile.Steps{Recover: true})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"recover", "aggregates"}, pass.calls)
}

func TestReconcileWorkflowIncompleteStepDoesNotFail(t *testing.T) {
	pass := &fakePass{height: 7, failCdp: reconcile.ErrIncomplete}
	env, wc := setup(t, pass)

	env.ExecuteWorkflow(wc.ReconcileWorkflow, reconcile.AllSteps())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"assets", "cdps", "recover", "aggregates", "balances"}, pass.calls)
}

func TestReconcileWorkflowStopsOnStepFailure(t *testing.T) {
	pass := &fakePass{height: 7, failCdp: errors.New("lcd unavailable")}
	env, wc := setup(t, pass)

	env.ExecuteWorkflow(wc.ReconcileWorkflow, reconcile.AllSteps())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.NotContains(t, pass.calls, "recover")
}
