package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
)

func (db *DB) initTxs(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS txs (
			id BIGSERIAL PRIMARY KEY,
			height BIGINT NOT NULL,
			tx_hash TEXT NOT NULL,
			address TEXT NOT NULL,
			type TEXT NOT NULL,
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			token TEXT NOT NULL DEFAULT '',
			uusd_change NUMERIC NOT NULL DEFAULT 0,
			fee TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			contract TEXT NOT NULL DEFAULT '',
			datetime TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_txs_address_datetime ON txs(address, datetime DESC);
		CREATE INDEX IF NOT EXISTS idx_txs_height ON txs(height);
		CREATE INDEX IF NOT EXISTS idx_txs_tags ON txs USING GIN(tags);
	`

	return db.Exec(ctx, query)
}

func (db *DB) InsertTxs(ctx context.Context, txs []*models.Tx) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO txs (height, tx_hash, address, type, data, token, uusd_change, fee, tags, contract, datetime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, tx := range txs {
		data := tx.Data
		if len(data) == 0 {
			data = []byte(`{}`)
		}
		tags := tx.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(query, int64(tx.Height), tx.TxHash, tx.Address, tx.Type, string(data), tx.Token, tx.UusdChange,
			tx.Fee, tags, tx.Contract, tx.Datetime)
	}
	return db.executeBatch(ctx, batch)
}

// ListTxs returns the newest records of address (all accounts when empty).
func (db *DB) ListTxs(ctx context.Context, address string, limit int) ([]*models.Tx, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, height, tx_hash, address, type, data, token, uusd_change, fee, tags, contract, datetime
		FROM txs
		WHERE ($1 = '' OR address = $1)
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("list txs: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Tx, 0, limit)
	for rows.Next() {
		var tx models.Tx
		var height int64
		var data []byte
		if err := rows.Scan(&tx.ID, &height, &tx.TxHash, &tx.Address, &tx.Type, &data, &tx.Token, &tx.UusdChange,
			&tx.Fee, &tx.Tags, &tx.Contract, &tx.Datetime); err != nil {
			return nil, fmt.Errorf("scan tx: %w", err)
		}
		tx.Height = uint64(height)
		tx.Data = data
		out = append(out, &tx)
	}
	return out, rows.Err()
}
