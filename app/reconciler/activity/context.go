package activity

import (
	"context"

	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"go.uber.org/zap"
)

// Pass is the reconciliation surface the activities drive.
type Pass interface {
	Height(ctx context.Context) (uint64, error)
	SyncAssetPositions(ctx context.Context, height uint64) (reconcile.Report, error)
	SyncCdpValues(ctx context.Context, height uint64) (reconcile.Report, error)
	RecoverCdps(ctx context.Context, height uint64) (reconcile.Report, error)
	SyncAggregates(ctx context.Context, height uint64) (reconcile.Report, error)
	SyncBalances(ctx context.Context, height uint64) (reconcile.Report, error)
}

type Context struct {
	Logger *zap.Logger
	Pass   Pass
}
