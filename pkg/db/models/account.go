package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is an address seen by the indexer. Balance history is only kept when IsAppUser is set.
type Account struct {
	Address   string    `db:"address"`
	IsAppUser bool      `db:"is_app_user"`
	CreatedAt time.Time `db:"created_at"`
}

// Balance is one append-only snapshot of (account, token). The row with the highest ID is current.
type Balance struct {
	ID           int64           `db:"id"`
	Address      string          `db:"address"`
	Token        string          `db:"token"`
	Balance      decimal.Decimal `db:"balance"`
	AveragePrice decimal.Decimal `db:"average_price"`
	Datetime     time.Time       `db:"datetime"`
}
