package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
)

func (db *DB) initAccounts(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			is_app_user BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`

	return db.Exec(ctx, query)
}

// initBalances creates the append-only balance history. The id orders snapshots of one (address, token).
func (db *DB) initBalances(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS balances (
			id BIGSERIAL PRIMARY KEY,
			address TEXT NOT NULL,
			token TEXT NOT NULL,
			balance NUMERIC NOT NULL,
			average_price NUMERIC NOT NULL DEFAULT 0,
			datetime TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_balances_address_token_id ON balances(address, token, id DESC);
	`

	return db.Exec(ctx, query)
}

func (db *DB) GetAccount(ctx context.Context, address string) (*models.Account, error) {
	var a models.Account
	err := db.QueryRow(ctx, `SELECT address, is_app_user, created_at FROM accounts WHERE address = $1`, address).
		Scan(&a.Address, &a.IsAppUser, &a.CreatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return &a, nil
}

func (db *DB) UpsertAccount(ctx context.Context, a *models.Account) error {
	query := `
		INSERT INTO accounts (address, is_app_user) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET is_app_user = accounts.is_app_user OR EXCLUDED.is_app_user
	`

	return db.Exec(ctx, query, a.Address, a.IsAppUser)
}

func (db *DB) ListAppUsers(ctx context.Context) ([]*models.Account, error) {
	rows, err := db.Query(ctx, `SELECT address, is_app_user, created_at FROM accounts WHERE is_app_user ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list app users: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.Address, &a.IsAppUser, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	if err := row.Scan(&b.ID, &b.Address, &b.Token, &b.Balance, &b.AveragePrice, &b.Datetime); err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// LatestBalance returns the most recently inserted snapshot, nil when the account never held token.
func (db *DB) LatestBalance(ctx context.Context, address, token string) (*models.Balance, error) {
	query := `
		SELECT id, address, token, balance, average_price, datetime
		FROM balances
		WHERE address = $1 AND token = $2
		ORDER BY id DESC
		LIMIT 1
	`

	b, err := scanBalance(db.QueryRow(ctx, query, address, token))
	if err != nil {
		return nil, fmt.Errorf("latest balance %s/%s: %w", address, token, err)
	}
	return b, nil
}

// BalanceAt returns the last snapshot taken at or before at.
func (db *DB) BalanceAt(ctx context.Context, address, token string, at time.Time) (*models.Balance, error) {
	query := `
		SELECT id, address, token, balance, average_price, datetime
		FROM balances
		WHERE address = $1 AND token = $2 AND datetime <= $3
		ORDER BY id DESC
		LIMIT 1
	`

	b, err := scanBalance(db.QueryRow(ctx, query, address, token, at))
	if err != nil {
		return nil, fmt.Errorf("balance %s/%s at %s: %w", address, token, at, err)
	}
	return b, nil
}

func (db *DB) InsertBalances(ctx context.Context, balances []*models.Balance) error {
	if len(balances) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `INSERT INTO balances (address, token, balance, average_price, datetime) VALUES ($1, $2, $3, $4, $5)`
	for _, b := range balances {
		batch.Queue(query, b.Address, b.Token, b.Balance, b.AveragePrice, b.Datetime)
	}
	return db.executeBatch(ctx, batch)
}
