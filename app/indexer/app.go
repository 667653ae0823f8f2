package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/mirror-protocol/mirrorx/app/indexer/types"
	"github.com/mirror-protocol/mirrorx/pkg/db"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/cooldown"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/dispatch"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/driver"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/solvency"
	"github.com/mirror-protocol/mirrorx/pkg/logging"
	"github.com/mirror-protocol/mirrorx/pkg/metrics"
	"github.com/mirror-protocol/mirrorx/pkg/price"
	"github.com/mirror-protocol/mirrorx/pkg/redis"
	"github.com/mirror-protocol/mirrorx/pkg/registry"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/mirror-protocol/mirrorx/pkg/temporal"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var defaultSolvencyThreshold = decimal.RequireFromString("0.15")

// Initialize wires the ingestion driver, the solvency tracker, reconciliation and the admin server.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("indexer")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	store, closeStore, err := db.NewLedger(ctx, logger, "indexer")
	if err != nil {
		logger.Fatal("Unable to initialize ledger store", zap.Error(err))
	}

	anchorMarket := utils.Env("ANCHOR_MARKET", "")
	if path := utils.Env("REGISTRY_FILE", ""); path != "" {
		seed, err := registry.LoadFile(path)
		if err != nil {
			logger.Fatal("Unable to load registry file", zap.String("path", path), zap.Error(err))
		}
		if err := seed.Apply(ctx, store); err != nil {
			logger.Fatal("Unable to apply registry seed", zap.Error(err))
		}
		if seed.AnchorMarket != "" {
			anchorMarket = seed.AnchorMarket
		}
		logger.Info("Registry seed applied",
			zap.String("path", path),
			zap.Int("contracts", len(seed.Contracts)),
			zap.Int("assets", len(seed.Assets)),
		)
	}

	reg := registry.New(store, logger)
	if err := reg.Warm(ctx); err != nil {
		logger.Fatal("Unable to warm the contract registry", zap.Error(err))
	}

	client := rpc.NewHTTPFromEnv()
	m := metrics.New()

	feeds := price.NewFeeds(client, store, anchorMarket, utils.EnvDuration("PRICE_TTL", 10*time.Second), logger)
	gate := cooldown.New(utils.EnvDuration("SOLVENCY_FULL_INTERVAL", 5*time.Minute))
	threshold := utils.EnvDecimal("SOLVENCY_THRESHOLD", defaultSolvencyThreshold)
	tracker := solvency.New(store, feeds, gate, threshold, logger, solvency.WithMinRatios(feeds))
	logger.Info("Solvency tracker configured",
		zap.Duration("full_interval", gate.Interval()),
		zap.String("threshold", threshold.String()),
	)

	cfg := driver.DefaultConfig()
	cfg.BatchSize = utils.EnvInt("BATCH_SIZE", cfg.BatchSize)
	cfg.EmptyBatchDelay = utils.EnvDuration("EMPTY_BATCH_DELAY", cfg.EmptyBatchDelay)
	cfg.RetryDelay = utils.EnvDuration("RETRY_DELAY", cfg.RetryDelay)
	cfg.StopHeight = utils.EnvUint64("STOP_HEIGHT", 0)

	opts := []driver.Option{
		driver.WithContractCache(reg),
		driver.WithSolvency(tracker),
		driver.WithMetrics(m),
	}

	app := &types.App{
		Store:      store,
		Chain:      client,
		Registry:   reg,
		Metrics:    m,
		Logger:     logger,
		CloseStore: closeStore,
		CronSpec:   utils.Env("RECONCILE_CRON", "0 0 * * * *"),
	}

	if utils.EnvBool("REDIS_ENABLED", false) {
		rc, err := redis.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
		app.RedisClient = rc
		opts = append(opts, driver.WithNotifier(rc))
	}

	app.Driver = driver.New(store, client, dispatch.New(reg, logger), cfg, logger, opts...)

	if utils.EnvBool("RECONCILE_INLINE", false) {
		app.Pass = reconcile.New(store, client, utils.EnvInt("RECONCILE_WORKERS", 8), logger, m)
	} else {
		tc, err := temporal.NewClient(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to establish temporal connection", zap.Error(err))
		}
		app.TemporalClient = tc
	}

	if err := SetupScheduler(ctx, app); err != nil {
		logger.Fatal("Unable to schedule reconciliation", zap.String("cronSpec", app.CronSpec), zap.Error(err))
	}

	if err := NewServer(app); err != nil {
		logger.Fatal("Unable to initialize server", zap.Error(err))
	}

	return app
}

// SetupScheduler triggers reconciliation on app.CronSpec.
func SetupScheduler(ctx context.Context, app *types.App) error {
	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.VerbosePrintfLogger(zap.NewStdLog(app.Logger)))))

	_, err := app.Cron.AddFunc(app.CronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, time.Hour)
		defer cancel()
		trigger, err := app.TriggerReconcile(rctx, reconcile.AllSteps())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				app.Logger.Error("Scheduled reconciliation failed", zap.Error(err))
			}
			return
		}
		app.Logger.Info("Scheduled reconciliation triggered",
			zap.String("workflow_id", trigger.WorkflowID),
			zap.String("run_id", trigger.RunID),
		)
	})
	return err
}
