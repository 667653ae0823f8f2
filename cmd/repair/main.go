// Command repair runs one reconciliation pass against the chain and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirror-protocol/mirrorx/pkg/db"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/mirror-protocol/mirrorx/pkg/logging"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	var steps reconcile.Steps
	flag.BoolVar(&steps.Assets, "assets", false, "overwrite pool and LP figures of every asset with chain state")
	flag.BoolVar(&steps.Cdps, "cdps", false, "sync stored CDPs with their on-chain positions")
	flag.BoolVar(&steps.Recover, "recover", false, "create CDPs that exist on chain but not in the store")
	flag.BoolVar(&steps.Balances, "balances", false, "align the uusd ledger of every app user with its bank balance")
	workers := flag.Int("workers", utils.EnvInt("RECONCILE_WORKERS", 8), "concurrent chain queries")
	flag.Parse()
	if !steps.Any() {
		steps = reconcile.AllSteps()
	}

	logger, err := logging.New("repair")
	if err != nil {
		panic(err)
	}
	code := run(logger, steps, *workers)
	_ = logger.Sync()
	os.Exit(code)
}

// run returns the process exit code: 2 when some entities could not be reconciled.
func run(logger *zap.Logger, steps reconcile.Steps, workers int) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := db.NewLedger(ctx, logger, "repair")
	if err != nil {
		logger.Error("Unable to initialize ledger store", zap.Error(err))
		return 1
	}
	defer closeStore()

	pass := reconcile.New(store, rpc.NewHTTPFromEnv(), workers, logger, nil)
	report, err := pass.Run(ctx, steps)
	switch {
	case errors.Is(err, reconcile.ErrIncomplete):
		logger.Warn("Repair incomplete", zap.Int("failed", report.Failed))
		return 2
	case err != nil:
		logger.Error("Repair failed", zap.Error(err))
		return 1
	}
	logger.Info("Repair finished", zap.Uint64("height", report.Height), zap.Int("writes", report.Writes()))
	return 0
}
