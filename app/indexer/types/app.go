package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/driver"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/mirror-protocol/mirrorx/pkg/metrics"
	"github.com/mirror-protocol/mirrorx/pkg/redis"
	"github.com/mirror-protocol/mirrorx/pkg/registry"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/mirror-protocol/mirrorx/pkg/temporal"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrReconcileUnavailable means neither an inline pass nor a Temporal client is configured.
var ErrReconcileUnavailable = errors.New("reconciliation is not configured")

type App struct {
	Store    ledger.Store
	Chain    rpc.Client
	Registry *registry.Registry
	Driver   *driver.Driver
	Metrics  *metrics.Metrics

	// Pass runs reconciliation in-process when set (RECONCILE_INLINE); otherwise TemporalClient starts the workflow.
	Pass           *reconcile.Pass
	TemporalClient *temporal.Client
	passMu         sync.Mutex

	// RedisClient is nil when REDIS_ENABLED is off.
	RedisClient *redis.Client

	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger
	Server *http.Server

	CloseStore func()
}

// ReconcileTrigger describes a started reconciliation. Inline runs carry their report.
type ReconcileTrigger struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Report     *reconcile.Report `json:"report,omitempty"`
}

// TriggerReconcile runs the pass inline or starts the reconcile workflow.
func (a *App) TriggerReconcile(ctx context.Context, steps reconcile.Steps) (ReconcileTrigger, error) {
	switch {
	case a.Pass != nil:
		a.passMu.Lock()
		defer a.passMu.Unlock()
		report, err := a.Pass.Run(ctx, steps)
		if errors.Is(err, reconcile.ErrIncomplete) {
			a.Logger.Warn("Inline reconciliation incomplete", zap.Int("failed", report.Failed))
			err = nil
		}
		return ReconcileTrigger{Report: &report}, err
	case a.TemporalClient != nil:
		run, err := a.TemporalClient.StartReconcile(ctx, steps)
		if err != nil {
			return ReconcileTrigger{}, fmt.Errorf("start reconcile workflow: %w", err)
		}
		return ReconcileTrigger{WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
	default:
		return ReconcileTrigger{}, ErrReconcileUnavailable
	}
}

// Ready reports whether the store and the chain both answer.
func (a *App) Ready(ctx context.Context) error {
	if _, err := a.Store.Checkpoint(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := a.Chain.LatestHeight(ctx); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	return nil
}

// Start runs the ingestion loop, the reconcile schedule and the HTTP server until ctx is canceled.
func (a *App) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Ingestion stopped", zap.Error(err))
		}
	}()

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	// the driver finishes its current batch before returning
	wg.Wait()

	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.CloseStore != nil {
		a.Logger.Info("closing ledger store")
		a.CloseStore()
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
