package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/shopspring/decimal"
)

const uusd = "uusd"

// Registration is the outcome of Register.
type Registration struct {
	Account *models.Account `json:"account"`
	// Adjustment is the uusd amount appended to bring the ledger to the chain balance.
	Adjustment decimal.Decimal `json:"adjustment"`
	Balance    decimal.Decimal `json:"balance"`
}

// Register marks address as an app user and appends one uusd snapshot so that its ledger
// balance equals chainBalance. Registering twice with an unchanged chain balance appends nothing.
func Register(ctx context.Context, store ledger.Store, address string, chainBalance decimal.Decimal, at time.Time) (Registration, error) {
	var reg Registration
	err := store.InTx(ctx, func(ctx context.Context) error {
		acct, err := store.GetAccount(ctx, address)
		if err != nil {
			return fmt.Errorf("account %s: %w", address, err)
		}
		if acct == nil {
			acct = &models.Account{Address: address, CreatedAt: at}
		}
		if !acct.IsAppUser {
			acct.IsAppUser = true
			if err := store.UpsertAccount(ctx, acct); err != nil {
				return err
			}
		}
		reg.Account = acct

		prev, err := store.LatestBalance(ctx, address, uusd)
		if err != nil {
			return fmt.Errorf("latest balance %s/%s: %w", address, uusd, err)
		}
		held := decimal.Zero
		if prev != nil {
			held = prev.Balance
		}
		reg.Adjustment = chainBalance.Sub(held)
		reg.Balance = chainBalance
		if reg.Adjustment.IsZero() {
			return nil
		}

		next := Next(prev, decimal.NewFromInt(1), reg.Adjustment, at)
		next.Address, next.Token = address, uusd
		return store.InsertBalances(ctx, []*models.Balance{&next})
	})
	return reg, err
}
