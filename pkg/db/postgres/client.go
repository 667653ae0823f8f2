package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mirror-protocol/mirrorx/pkg/retry"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"go.uber.org/zap"
)

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Client struct {
	Logger         *zap.Logger
	Pool           *pgxpool.Pool
	TargetDatabase string
}

// PoolConfig sizes the pool of one process.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string
}

func (p PoolConfig) apply(cfg *pgxpool.Config) {
	cfg.MinConns = p.MinConns
	cfg.MaxConns = p.MaxConns
	cfg.MaxConnLifetime = p.ConnMaxLifetime
	cfg.MaxConnIdleTime = p.ConnMaxIdleTime
}

// New opens a pool on dbName using POSTGRES_URL for everything else. An empty dbName keeps the
// database named in the URL. Connection attempts are retried with backoff for up to five minutes.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig ...*PoolConfig) (Client, error) {
	cfg, err := pgxpool.ParseConfig(utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres"))
	if err != nil {
		return Client{}, fmt.Errorf("parse POSTGRES_URL: %w", err)
	}
	if dbName != "" {
		cfg.ConnConfig.Database = dbName
	}

	pc := GetPoolConfigForComponent("")
	if len(poolConfig) > 0 && poolConfig[0] != nil {
		pc = poolConfig[0]
	}
	pc.apply(cfg)

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client := Client{Logger: logger, TargetDatabase: dbName}
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, err := pgxpool.NewWithConfig(connCtx, cfg)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		if err := pool.Ping(connCtx); err != nil {
			pool.Close()
			return fmt.Errorf("ping: %w", err)
		}
		client.Pool = pool
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.String("database", cfg.ConnConfig.Database),
		zap.String("component", pc.Component),
		zap.Int32("min_conns", pc.MinConns),
		zap.Int32("max_conns", pc.MaxConns),
	)
	return client, nil
}

// EnsureDatabase connects to the database named in POSTGRES_URL and creates dbName when missing.
func EnsureDatabase(ctx context.Context, logger *zap.Logger, dbName string) error {
	admin, err := New(ctx, logger, "", &PoolConfig{MinConns: 1, MaxConns: 1, Component: "bootstrap"})
	if err != nil {
		return err
	}
	defer admin.Close()
	return admin.CreateDbIfNotExists(ctx, dbName)
}

// CreateDbIfNotExists creates dbName from the database c is connected to.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	var exists bool
	if err := c.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists); err != nil {
		return fmt.Errorf("check database %s: %w", dbName, err)
	}
	if exists {
		return nil
	}
	c.Logger.Info("Creating database", zap.String("database", dbName))
	// CREATE DATABASE takes no bind parameters
	if _, err := c.Pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// Exec executes a query without returning any rows, inside the ctx transaction when present.
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// Query runs in the ctx transaction when present. Callers close the rows.
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// BeginFunc executes fn within a transaction carried by the ctx handed to fn.
// If the function returns an error, the transaction is rolled back, otherwise it is committed.
// A ctx that already carries a transaction is reused, so nested calls join the outer unit of work.
func (c *Client) BeginFunc(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(c.WithTx(ctx, tx))
	})
}

func (c *Client) SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults {
	return c.GetExecutor(ctx).SendBatch(ctx, batch)
}

func (c *Client) Close() {
	c.Pool.Close()
}

type ctxKey struct{}

var txKey ctxKey

// WithTx returns ctx carrying tx; GetExecutor picks it up.
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the ctx transaction, or the pool outside one.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetPoolConfigForComponent sizes the pool for one of the mirrorx processes.
func GetPoolConfigForComponent(component string) *PoolConfig {
	var minConns, maxConns int32
	connMaxLifetime := 5 * time.Minute
	connMaxIdleTime := 2 * time.Minute

	switch component {
	case "indexer":
		// driver batch, solvency tick and admin reads can overlap
		minConns = 3
		maxConns = 15
	case "reconciler":
		// one connection per reconciliation worker plus headroom
		minConns = 2
		maxConns = int32(utils.EnvInt("RECONCILE_WORKERS", 8)) + 2
	case "repair":
		minConns = 1
		maxConns = 5
	default:
		minConns = 2
		maxConns = 20
	}

	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
		Component:       component,
	}
}
