package ledger

import (
	"context"
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
)

// initCheckpoint creates the single-row checkpoint table and seeds it at height 0.
func (db *DB) initCheckpoint(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS checkpoint (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			height BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		INSERT INTO checkpoint (id, height) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
	`

	return db.Exec(ctx, query)
}

// Checkpoint returns the last fully ingested height.
func (db *DB) Checkpoint(ctx context.Context) (uint64, error) {
	return db.readCheckpoint(ctx, `SELECT height FROM checkpoint WHERE id = 1`)
}

// LockCheckpoint reads the checkpoint row FOR UPDATE; a second driver blocks here until the first commits.
func (db *DB) LockCheckpoint(ctx context.Context) (uint64, error) {
	return db.readCheckpoint(ctx, `SELECT height FROM checkpoint WHERE id = 1 FOR UPDATE`)
}

func (db *DB) readCheckpoint(ctx context.Context, query string) (uint64, error) {
	var height int64
	if err := db.QueryRow(ctx, query).Scan(&height); err != nil {
		if postgres.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return uint64(height), nil
}

// SaveCheckpoint advances the checkpoint. GREATEST keeps it monotonic even if a stale writer gets through.
func (db *DB) SaveCheckpoint(ctx context.Context, height uint64) error {
	query := `
		INSERT INTO checkpoint (id, height, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			height = GREATEST(checkpoint.height, EXCLUDED.height),
			updated_at = NOW()
	`

	return db.Exec(ctx, query, int64(height))
}
