package db

import (
	"context"
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/ledger/memstore"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
	pgledger "github.com/mirror-protocol/mirrorx/pkg/db/postgres/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// NewLedger opens the store named by STORE_DRIVER with the pool sizing of component.
// The returned func releases it.
func NewLedger(ctx context.Context, logger *zap.Logger, component string) (ledger.Store, func(), error) {
	switch driver := utils.Env("STORE_DRIVER", DriverPostgres); driver {
	case DriverPostgres:
		name := utils.Env("POSTGRES_DB", "mirrorx")
		store, err := pgledger.New(ctx, logger, name, postgres.GetPoolConfigForComponent(component))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case DriverMemory:
		logger.Warn("Using the in-memory store; nothing survives a restart")
		return memstore.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}
