package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	ledgerstore "github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
	"github.com/shopspring/decimal"
)

func (db *DB) initCdps(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cdps (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			token TEXT NOT NULL,
			mint_amount NUMERIC NOT NULL DEFAULT 0,
			collateral_token TEXT NOT NULL,
			collateral_amount NUMERIC NOT NULL DEFAULT 0,
			min_collateral_ratio NUMERIC NOT NULL DEFAULT 0,
			mint_value NUMERIC NOT NULL DEFAULT 0,
			collateral_value NUMERIC NOT NULL DEFAULT 0,
			collateral_ratio NUMERIC NOT NULL DEFAULT 0,
			is_short BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_cdps_token ON cdps(token);
		CREATE INDEX IF NOT EXISTS idx_cdps_collateral_token ON cdps(collateral_token);
		CREATE INDEX IF NOT EXISTS idx_cdps_address ON cdps(address);
	`

	return db.Exec(ctx, query)
}

const cdpColumns = `id, address, token, mint_amount, collateral_token, collateral_amount, min_collateral_ratio,
	mint_value, collateral_value, collateral_ratio, is_short, status, created_at`

func scanCdp(row pgx.Row) (*models.Cdp, error) {
	var c models.Cdp
	err := row.Scan(&c.ID, &c.Address, &c.Token, &c.MintAmount, &c.CollateralToken, &c.CollateralAmount,
		&c.MinCollateralRatio, &c.MintValue, &c.CollateralValue, &c.CollateralRatio, &c.IsShort, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) getCdp(ctx context.Context, query, id string) (*models.Cdp, error) {
	c, err := scanCdp(db.QueryRow(ctx, query, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cdp %s: %w", id, err)
	}
	return c, nil
}

func (db *DB) GetCdp(ctx context.Context, id string) (*models.Cdp, error) {
	return db.getCdp(ctx, `SELECT `+cdpColumns+` FROM cdps WHERE id = $1`, id)
}

// GetCdpForUpdate must run inside InTx for the lock to mean anything.
func (db *DB) GetCdpForUpdate(ctx context.Context, id string) (*models.Cdp, error) {
	return db.getCdp(ctx, `SELECT `+cdpColumns+` FROM cdps WHERE id = $1 FOR UPDATE`, id)
}

func (db *DB) ListCdps(ctx context.Context) ([]*models.Cdp, error) {
	rows, err := db.Query(ctx, `SELECT `+cdpColumns+` FROM cdps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cdps: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Cdp, 0, 256)
	for rows.Next() {
		c, err := scanCdp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cdp: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCdpAmounts leaves mint_value, collateral_value, collateral_ratio and min_collateral_ratio to their owners.
func (db *DB) SaveCdpAmounts(ctx context.Context, cdps []*models.Cdp) error {
	if len(cdps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO cdps (id, address, token, mint_amount, collateral_token, collateral_amount, is_short, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			token = EXCLUDED.token,
			mint_amount = EXCLUDED.mint_amount,
			collateral_token = EXCLUDED.collateral_token,
			collateral_amount = EXCLUDED.collateral_amount,
			is_short = EXCLUDED.is_short,
			status = EXCLUDED.status
	`
	for _, c := range cdps {
		batch.Queue(query, c.ID, c.Address, c.Token, c.MintAmount, c.CollateralToken, c.CollateralAmount, c.IsShort, c.Status)
	}
	return db.executeBatch(ctx, batch)
}

func (db *DB) SaveCdp(ctx context.Context, c *models.Cdp) error {
	query := `
		INSERT INTO cdps (id, address, token, mint_amount, collateral_token, collateral_amount, min_collateral_ratio, is_short, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			token = EXCLUDED.token,
			mint_amount = EXCLUDED.mint_amount,
			collateral_token = EXCLUDED.collateral_token,
			collateral_amount = EXCLUDED.collateral_amount,
			min_collateral_ratio = EXCLUDED.min_collateral_ratio,
			is_short = EXCLUDED.is_short,
			status = EXCLUDED.status
	`

	return db.Exec(ctx, query, c.ID, c.Address, c.Token, c.MintAmount, c.CollateralToken, c.CollateralAmount,
		c.MinCollateralRatio, c.IsShort, c.Status)
}

func (db *DB) DeleteCdp(ctx context.Context, id string) error {
	return db.Exec(ctx, `DELETE FROM cdps WHERE id = $1`, id)
}

func (db *DB) ListCdpsWithoutMinRatio(ctx context.Context) ([]*models.Cdp, error) {
	rows, err := db.Query(ctx, `SELECT `+cdpColumns+` FROM cdps WHERE min_collateral_ratio = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cdps without min ratio: %w", err)
	}
	defer rows.Close()

	var out []*models.Cdp
	for rows.Next() {
		c, err := scanCdp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cdp: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) SetMinCollateralRatio(ctx context.Context, id string, ratio decimal.Decimal) error {
	return db.Exec(ctx, `UPDATE cdps SET min_collateral_ratio = $2 WHERE id = $1`, id, ratio)
}

// DeleteClosedCdps removes fully closed positions. Rows another transaction holds are skipped
// and picked up by the next tick.
func (db *DB) DeleteClosedCdps(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM cdps WHERE id IN (
			SELECT id FROM cdps
			WHERE mint_amount = 0 AND collateral_amount = 0
			FOR UPDATE SKIP LOCKED
		)
	`

	tag, err := db.GetExecutor(ctx).Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete closed cdps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// nearLiquidation appends the tight-refresh predicate when a threshold is set.
func nearLiquidation(query string, args []any, f ledgerstore.CdpFilter) (string, []any) {
	if f.Threshold == nil {
		return query, args
	}
	args = append(args, *f.Threshold)
	return fmt.Sprintf("%s AND collateral_ratio - min_collateral_ratio < $%d", query, len(args)), args
}

func (db *DB) update(ctx context.Context, what, query string, args []any) (int64, error) {
	tag, err := db.GetExecutor(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) UpdateMintValues(ctx context.Context, token string, price decimal.Decimal, f ledgerstore.CdpFilter) (int64, error) {
	query, args := nearLiquidation(
		`UPDATE cdps SET mint_value = mint_amount * $2 WHERE token = $1 AND mint_amount > 0`,
		[]any{token, price}, f)
	return db.update(ctx, "mint values", query, args)
}

func (db *DB) UpdateCollateralValues(ctx context.Context, collateralToken string, price decimal.Decimal, f ledgerstore.CdpFilter) (int64, error) {
	query, args := nearLiquidation(
		`UPDATE cdps SET collateral_value = collateral_amount * $2
		WHERE collateral_token = $1 AND collateral_amount > 0 AND mint_value > 0`,
		[]any{collateralToken, price}, f)
	return db.update(ctx, "collateral values", query, args)
}

func (db *DB) UpdateCollateralRatios(ctx context.Context, f ledgerstore.CdpFilter) (int64, error) {
	query, args := nearLiquidation(
		`UPDATE cdps SET collateral_ratio = collateral_value / mint_value
		WHERE collateral_value > 0 AND mint_value > 0`,
		nil, f)
	return db.update(ctx, "collateral ratios", query, args)
}
