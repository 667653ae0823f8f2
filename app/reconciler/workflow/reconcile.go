package workflow

import (
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ReconcileWorkflow pins one chain height and runs the selected reconciliation steps against it,
// assets first, then stored CDP values, recovery of CDPs missing from the store, the asset aggregates
// derived from CDPs and finally app user balances.
func (wc *Context) ReconcileWorkflow(ctx workflow.Context, steps reconcile.Steps) (reconcile.Report, error) {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 20 * time.Minute,
		HeartbeatTimeout:    5 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var height uint64
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.PinHeight).Get(ctx, &height); err != nil {
		return reconcile.Report{}, err
	}
	report := reconcile.Report{Height: height}

	type step struct {
		on       bool
		activity any
	}
	for _, s := range []step{
		{steps.Assets, wc.ActivityContext.SyncAssetPositions},
		{steps.Cdps, wc.ActivityContext.SyncCdpValues},
		{steps.Recover, wc.ActivityContext.RecoverCdps},
		{steps.Cdps || steps.Recover, wc.ActivityContext.SyncAggregates},
		{steps.Balances, wc.ActivityContext.SyncBalances},
	} {
		if !s.on {
			continue
		}
		var r reconcile.Report
		if err := workflow.ExecuteActivity(ctx, s.activity, height).Get(ctx, &r); err != nil {
			return report, err
		}
		report.Merge(r)
	}

	logger.Info("Reconciliation workflow completed",
		"height", height,
		"writes", report.Writes(),
		"failed", report.Failed,
	)
	return report, nil
}
