package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	ledgerstore "github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
)

func (db *DB) initContracts(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS contracts (
			address TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_contracts_kind_token ON contracts(kind, token);
	`

	return db.Exec(ctx, query)
}

func (db *DB) initAssets(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS assets (
			token TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			pair TEXT NOT NULL DEFAULT '',
			lp_token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			price_source TEXT NOT NULL DEFAULT 'oracle'
		);
	`

	return db.Exec(ctx, query)
}

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	if err := row.Scan(&c.Address, &c.Kind, &c.Token); err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) GetContract(ctx context.Context, address string) (*models.Contract, error) {
	c, err := scanContract(db.QueryRow(ctx, `SELECT address, kind, token FROM contracts WHERE address = $1`, address))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get contract %s: %w", address, err)
	}
	return c, nil
}

func (db *DB) ListContracts(ctx context.Context) ([]*models.Contract, error) {
	rows, err := db.Query(ctx, `SELECT address, kind, token FROM contracts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Contract, 0, 64)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindContract returns the contract of kind bound to token ("" for protocol-wide contracts).
func (db *DB) FindContract(ctx context.Context, kind models.ContractKind, token string) (*models.Contract, error) {
	query := `SELECT address, kind, token FROM contracts WHERE kind = $1 AND token = $2 ORDER BY created_at LIMIT 1`
	c, err := scanContract(db.QueryRow(ctx, query, kind, token))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("%s contract for %q: %w", kind, token, ledgerstore.ErrNotFound)
		}
		return nil, fmt.Errorf("find %s contract: %w", kind, err)
	}
	return c, nil
}

func (db *DB) UpsertContracts(ctx context.Context, contracts []*models.Contract) error {
	if len(contracts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO contracts (address, kind, token) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET kind = EXCLUDED.kind, token = EXCLUDED.token
	`
	for _, c := range contracts {
		batch.Queue(query, c.Address, c.Kind, c.Token)
	}
	return db.executeBatch(ctx, batch)
}

const assetColumns = `token, symbol, name, pair, lp_token, status, price_source`

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var a models.Asset
	if err := row.Scan(&a.Token, &a.Symbol, &a.Name, &a.Pair, &a.LPToken, &a.Status, &a.PriceSource); err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) GetAsset(ctx context.Context, token string) (*models.Asset, error) {
	a, err := scanAsset(db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE token = $1`, token))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset %s: %w", token, err)
	}
	return a, nil
}

// ListAssets returns assets in any of statuses, or all of them when none are given.
func (db *DB) ListAssets(ctx context.Context, statuses ...models.AssetStatus) ([]*models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets`
	var args []any
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, ss)
	}
	query += ` ORDER BY token`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Asset, 0, 64)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) UpsertAssets(ctx context.Context, assets []*models.Asset) error {
	if len(assets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO assets (` + assetColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			pair = EXCLUDED.pair,
			lp_token = EXCLUDED.lp_token,
			status = EXCLUDED.status,
			price_source = EXCLUDED.price_source
	`
	for _, a := range assets {
		batch.Queue(query, a.Token, a.Symbol, a.Name, a.Pair, a.LPToken, a.Status, a.PriceSource)
	}
	return db.executeBatch(ctx, batch)
}

// executeBatch sends batch and checks every queued statement.
func (db *DB) executeBatch(ctx context.Context, batch *pgx.Batch) error {
	br := db.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}
