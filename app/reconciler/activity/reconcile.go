package activity

import (
	"context"
	"errors"

	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"
)

// PinHeight returns the chain height every step of one workflow run queries at.
func (c *Context) PinHeight(ctx context.Context) (uint64, error) {
	return c.Pass.Height(ctx)
}

func (c *Context) SyncAssetPositions(ctx context.Context, height uint64) (reconcile.Report, error) {
	return c.step(ctx, "assets", height, c.Pass.SyncAssetPositions)
}

func (c *Context) SyncCdpValues(ctx context.Context, height uint64) (reconcile.Report, error) {
	return c.step(ctx, "cdps", height, c.Pass.SyncCdpValues)
}

func (c *Context) RecoverCdps(ctx context.Context, height uint64) (reconcile.Report, error) {
	return c.step(ctx, "recover", height, c.Pass.RecoverCdps)
}

func (c *Context) SyncAggregates(ctx context.Context, height uint64) (reconcile.Report, error) {
	return c.step(ctx, "aggregates", height, c.Pass.SyncAggregates)
}

func (c *Context) SyncBalances(ctx context.Context, height uint64) (reconcile.Report, error) {
	return c.step(ctx, "balances", height, c.Pass.SyncBalances)
}

// step runs one reconciliation step. Items that failed are counted in the report; the activity
// itself fails only when the step could not run.
func (c *Context) step(ctx context.Context, name string, height uint64, fn func(context.Context, uint64) (reconcile.Report, error)) (reconcile.Report, error) {
	info := activity.GetInfo(ctx)
	logger := c.Logger.With(
		zap.String("step", name),
		zap.Uint64("height", height),
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt),
	)
	activity.RecordHeartbeat(ctx, name)

	report, err := fn(ctx, height)
	if errors.Is(err, reconcile.ErrIncomplete) {
		logger.Warn("Reconcile step incomplete", zap.Int("failed", report.Failed), zap.Error(err))
		return report, nil
	}
	if err != nil {
		logger.Error("Reconcile step failed", zap.Error(err))
		return report, err
	}
	logger.Info("Reconcile step done", zap.Int("writes", report.Writes()))
	return report, nil
}
