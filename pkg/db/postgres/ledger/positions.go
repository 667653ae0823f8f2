package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
	"github.com/shopspring/decimal"
)

func (db *DB) initAssetPositions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS asset_positions (
			token TEXT PRIMARY KEY,
			mint NUMERIC NOT NULL DEFAULT 0,
			as_collateral NUMERIC NOT NULL DEFAULT 0,
			pool NUMERIC NOT NULL DEFAULT 0,
			uusd_pool NUMERIC NOT NULL DEFAULT 0,
			lp_shares NUMERIC NOT NULL DEFAULT 0,
			lp_staked NUMERIC NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`

	return db.Exec(ctx, query)
}

func (db *DB) GetAssetPosition(ctx context.Context, token string) (*models.AssetPosition, error) {
	query := `
		SELECT token, mint, as_collateral, pool, uusd_pool, lp_shares, lp_staked
		FROM asset_positions
		WHERE token = $1
	`

	var p models.AssetPosition
	err := db.QueryRow(ctx, query, token).Scan(&p.Token, &p.Mint, &p.AsCollateral, &p.Pool, &p.UusdPool, &p.LPShares, &p.LPStaked)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset position %s: %w", token, err)
	}
	return &p, nil
}

// ApplyAssetPositionDeltas adds each delta in SQL so concurrent writers never lose an increment.
func (db *DB) ApplyAssetPositionDeltas(ctx context.Context, deltas []models.AssetPositionDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO asset_positions (token, mint, as_collateral, pool, uusd_pool, lp_shares, lp_staked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (token) DO UPDATE SET
			mint = asset_positions.mint + EXCLUDED.mint,
			as_collateral = asset_positions.as_collateral + EXCLUDED.as_collateral,
			pool = asset_positions.pool + EXCLUDED.pool,
			uusd_pool = asset_positions.uusd_pool + EXCLUDED.uusd_pool,
			lp_shares = asset_positions.lp_shares + EXCLUDED.lp_shares,
			lp_staked = asset_positions.lp_staked + EXCLUDED.lp_staked,
			updated_at = NOW()
	`
	for _, d := range deltas {
		batch.Queue(query, d.Token, d.Mint, d.AsCollateral, d.Pool, d.UusdPool, d.LPShares, d.LPStaked)
	}
	return db.executeBatch(ctx, batch)
}

// SaveAssetPosition overwrites the chain-observable fields. Mint and collateral aggregates go through SaveAssetAggregates.
func (db *DB) SaveAssetPosition(ctx context.Context, p *models.AssetPosition) error {
	query := `
		INSERT INTO asset_positions (token, pool, uusd_pool, lp_shares, lp_staked, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (token) DO UPDATE SET
			pool = EXCLUDED.pool,
			uusd_pool = EXCLUDED.uusd_pool,
			lp_shares = EXCLUDED.lp_shares,
			lp_staked = EXCLUDED.lp_staked,
			updated_at = NOW()
	`

	return db.Exec(ctx, query, p.Token, p.Pool, p.UusdPool, p.LPShares, p.LPStaked)
}

func (db *DB) SaveAssetAggregates(ctx context.Context, token string, mint, asCollateral decimal.Decimal) error {
	query := `
		INSERT INTO asset_positions (token, mint, as_collateral, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (token) DO UPDATE SET
			mint = EXCLUDED.mint,
			as_collateral = EXCLUDED.as_collateral,
			updated_at = NOW()
	`

	return db.Exec(ctx, query, token, mint, asCollateral)
}
