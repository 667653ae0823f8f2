package rpc

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Client is the read-only chain-query surface used by ingestion and reconciliation.
type Client interface {
	// LatestHeight returns the latest finalized height.
	LatestHeight(ctx context.Context) (uint64, error)
	// TxsInRange returns up to limit transactions with from <= height <= to, in chain order.
	// A height is never split across calls.
	TxsInRange(ctx context.Context, from, to uint64, limit int) ([]*Tx, error)
	// ContractState runs a smart query; height 0 means latest.
	ContractState(ctx context.Context, address string, query any, height uint64) (json.RawMessage, error)
	NativeBalance(ctx context.Context, address, denom string) (decimal.Decimal, error)
}
