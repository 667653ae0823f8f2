// Package balance keeps per-account, per-token balance history with a volume weighted average cost.
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/shopspring/decimal"
)

// Next computes the snapshot that follows prev after delta units move at unitPrice.
// A zero unitPrice means "no price": the average carries over. A balance at or below zero resets it.
func Next(prev *models.Balance, unitPrice, delta decimal.Decimal, at time.Time) models.Balance {
	if prev == nil {
		avg := decimal.Zero
		if unitPrice.IsPositive() {
			avg = unitPrice
		}
		return models.Balance{Balance: delta, AveragePrice: avg, Datetime: at}
	}

	next := models.Balance{
		Address:      prev.Address,
		Token:        prev.Token,
		Balance:      prev.Balance.Add(delta),
		AveragePrice: prev.AveragePrice,
		Datetime:     at,
	}

	switch {
	case !next.Balance.IsPositive():
		next.AveragePrice = decimal.Zero
	case unitPrice.IsPositive():
		held := prev.AveragePrice.Mul(prev.Balance)
		moved := unitPrice.Mul(delta)
		next.AveragePrice = held.Add(moved).Div(next.Balance)
	}
	return next
}

// Source is the slice of the store the ledger needs. The unit of work implements it so reads see
// snapshots appended earlier in the same batch.
type Source interface {
	IsAppUser(ctx context.Context, address string) (bool, error)
	LatestBalance(ctx context.Context, address, token string) (*models.Balance, error)
	AppendBalance(ctx context.Context, b *models.Balance) error
}

type Ledger struct{}

// ApplyDelta appends the next snapshot for (address, token), even for a zero delta. Accounts that are not app users are skipped.
// It reports whether a snapshot was appended.
func (Ledger) ApplyDelta(ctx context.Context, src Source, address, token string, unitPrice, delta decimal.Decimal, at time.Time) (bool, error) {
	ok, err := src.IsAppUser(ctx, address)
	if err != nil {
		return false, fmt.Errorf("account %s: %w", address, err)
	}
	if !ok {
		return false, nil
	}

	prev, err := src.LatestBalance(ctx, address, token)
	if err != nil {
		return false, fmt.Errorf("latest balance %s/%s: %w", address, token, err)
	}

	next := Next(prev, unitPrice, delta, at)
	next.Address = address
	next.Token = token
	if err := src.AppendBalance(ctx, &next); err != nil {
		return false, fmt.Errorf("append balance %s/%s: %w", address, token, err)
	}
	return true, nil
}
