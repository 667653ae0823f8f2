package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	ledgerstore "github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the PostgreSQL implementation of ledgerstore.Store.
type DB struct {
	postgres.Client
	Name string
}

var _ ledgerstore.Store = (*DB)(nil)

// New creates the database when missing, connects with the component's pool settings and creates the schema.
func New(ctx context.Context, logger *zap.Logger, name string, poolConfig *postgres.PoolConfig) (*DB, error) {
	if err := postgres.EnsureDatabase(ctx, logger, name); err != nil {
		return nil, fmt.Errorf("ensure database %s: %w", name, err)
	}

	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client, Name: name}
	if err := db.InitializeDB(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// InTx runs fn inside one transaction carried by ctx.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.BeginFunc(ctx, fn)
}

// InitializeDB creates every table in parallel.
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"checkpoint", db.initCheckpoint},
		{"contracts", db.initContracts},
		{"assets", db.initAssets},
		{"asset_positions", db.initAssetPositions},
		{"cdps", db.initCdps},
		{"accounts", db.initAccounts},
		{"balances", db.initBalances},
		{"txs", db.initTxs},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(initOps))

	for _, op := range initOps {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			db.Logger.Debug("Initializing table", zap.String("table", name))
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("init %s: %w", name, err)
			}
		}(op.name, op.fn)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	db.Logger.Info("Ledger database initialized",
		zap.String("database", db.Name),
		zap.Duration("duration", time.Since(initStart)))

	return nil
}
