package reconciler

import (
	"context"
	"time"

	"github.com/mirror-protocol/mirrorx/app/reconciler/activity"
	"github.com/mirror-protocol/mirrorx/app/reconciler/workflow"
	"github.com/mirror-protocol/mirrorx/pkg/db"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/mirror-protocol/mirrorx/pkg/logging"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/mirror-protocol/mirrorx/pkg/temporal"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Logger         *zap.Logger

	closeStore func()
}

// Start starts the worker and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}
	a.Logger.Info("Reconcile worker started", zap.String("queue", a.TemporalClient.ReconcileQueue))
	<-ctx.Done()
	a.Stop()
}

// Stop stops the worker.
func (a *App) Stop() {
	a.Worker.Stop()
	a.TemporalClient.Close()
	a.closeStore()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New("reconciler")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	store, closeStore, err := db.NewLedger(ctx, logger, "reconciler")
	if err != nil {
		logger.Fatal("Unable to initialize ledger store", zap.Error(err))
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}
	if err := temporalClient.EnsureNamespace(ctx, 7*24*time.Hour); err != nil {
		logger.Fatal("Unable to ensure temporal namespace", zap.Error(err))
	}

	pass := reconcile.New(store, rpc.NewHTTPFromEnv(), utils.EnvInt("RECONCILE_WORKERS", 8), logger, nil)
	activityContext := &activity.Context{Logger: logger, Pass: pass}
	workflowContext := workflow.Context{ActivityContext: activityContext}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.ReconcileQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 2,
			MaxConcurrentActivityTaskPollers: 2,
			// one pass at a time; the pass fans out internally
			MaxConcurrentActivityExecutionSize: 1,
			WorkerStopTimeout:                  1 * time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.ReconcileWorkflow,
		temporalworkflow.RegisterOptions{Name: temporal.ReconcileWorkflowName},
	)
	wkr.RegisterActivity(activityContext.PinHeight)
	wkr.RegisterActivity(activityContext.SyncAssetPositions)
	wkr.RegisterActivity(activityContext.SyncCdpValues)
	wkr.RegisterActivity(activityContext.RecoverCdps)
	wkr.RegisterActivity(activityContext.SyncAggregates)
	wkr.RegisterActivity(activityContext.SyncBalances)

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		Logger:         logger,
		closeStore:     closeStore,
	}
}
