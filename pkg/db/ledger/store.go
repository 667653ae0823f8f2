package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by Find* lookups that require the row to exist.
// Get* lookups return a nil entity and nil error for a missing row.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface of the indexing engine. Every method honours a transaction
// carried by ctx (see InTx); outside InTx each call runs on its own.
type Store interface {
	// InTx runs fn in one transaction. The ctx passed to fn carries it. Any error rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Checkpoint returns the last fully ingested height (0 before the first batch).
	Checkpoint(ctx context.Context) (uint64, error)
	// LockCheckpoint reads the checkpoint with a write-intent lock held until the transaction ends.
	LockCheckpoint(ctx context.Context) (uint64, error)
	// SaveCheckpoint advances the checkpoint; it never moves backwards.
	SaveCheckpoint(ctx context.Context, height uint64) error

	ContractStore
	AssetStore
	CdpStore
	AccountStore
	TxStore
}

type ContractStore interface {
	GetContract(ctx context.Context, address string) (*models.Contract, error)
	ListContracts(ctx context.Context) ([]*models.Contract, error)
	FindContract(ctx context.Context, kind models.ContractKind, token string) (*models.Contract, error)
	UpsertContracts(ctx context.Context, contracts []*models.Contract) error
}

type AssetStore interface {
	GetAsset(ctx context.Context, token string) (*models.Asset, error)
	ListAssets(ctx context.Context, statuses ...models.AssetStatus) ([]*models.Asset, error)
	UpsertAssets(ctx context.Context, assets []*models.Asset) error

	GetAssetPosition(ctx context.Context, token string) (*models.AssetPosition, error)
	// ApplyAssetPositionDeltas adds each delta onto the stored aggregates, creating missing rows at zero.
	ApplyAssetPositionDeltas(ctx context.Context, deltas []models.AssetPositionDelta) error
	// SaveAssetPosition overwrites the pool/LP fields with authoritative values.
	SaveAssetPosition(ctx context.Context, p *models.AssetPosition) error
	// SaveAssetAggregates overwrites the mint and as-collateral aggregates, creating the row at zero if missing.
	SaveAssetAggregates(ctx context.Context, token string, mint, asCollateral decimal.Decimal) error
}

// CdpFilter narrows a price refresh. A nil Threshold selects every row.
type CdpFilter struct {
	Threshold *decimal.Decimal
}

type CdpStore interface {
	GetCdp(ctx context.Context, id string) (*models.Cdp, error)
	// GetCdpForUpdate loads the CDP and row-locks it for the rest of the transaction.
	GetCdpForUpdate(ctx context.Context, id string) (*models.Cdp, error)
	ListCdps(ctx context.Context) ([]*models.Cdp, error)
	// SaveCdpAmounts upserts the identity and amount columns, leaving derived values alone.
	SaveCdpAmounts(ctx context.Context, cdps []*models.Cdp) error
	// SaveCdp overwrites amounts and minimum collateral ratio with authoritative values.
	SaveCdp(ctx context.Context, cdp *models.Cdp) error
	DeleteCdp(ctx context.Context, id string) error
	// ListCdpsWithoutMinRatio returns the CDPs whose minimum collateral ratio was never set.
	ListCdpsWithoutMinRatio(ctx context.Context) ([]*models.Cdp, error)
	SetMinCollateralRatio(ctx context.Context, id string, ratio decimal.Decimal) error
	// DeleteClosedCdps locks and deletes every CDP with zero mint and zero collateral.
	DeleteClosedCdps(ctx context.Context) (int64, error)

	UpdateMintValues(ctx context.Context, token string, price decimal.Decimal, f CdpFilter) (int64, error)
	UpdateCollateralValues(ctx context.Context, collateralToken string, price decimal.Decimal, f CdpFilter) (int64, error)
	UpdateCollateralRatios(ctx context.Context, f CdpFilter) (int64, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, address string) (*models.Account, error)
	UpsertAccount(ctx context.Context, a *models.Account) error
	ListAppUsers(ctx context.Context) ([]*models.Account, error)

	LatestBalance(ctx context.Context, address, token string) (*models.Balance, error)
	BalanceAt(ctx context.Context, address, token string, at time.Time) (*models.Balance, error)
	InsertBalances(ctx context.Context, balances []*models.Balance) error
}

type TxStore interface {
	InsertTxs(ctx context.Context, txs []*models.Tx) error
	ListTxs(ctx context.Context, address string, limit int) ([]*models.Tx, error)
}
