package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CdpStatus tracks where a position is in its lifecycle. A removed CDP has no row.
type CdpStatus string

const (
	CdpOpen   CdpStatus = "open"
	CdpActive CdpStatus = "active"
	CdpClosed CdpStatus = "closed"
)

// Cdp is a collateralized debt position keyed by the mint contract's position index.
type Cdp struct {
	ID                 string          `db:"id"`
	Address            string          `db:"address"`
	Token              string          `db:"token"`
	MintAmount         decimal.Decimal `db:"mint_amount"`
	CollateralToken    string          `db:"collateral_token"`
	CollateralAmount   decimal.Decimal `db:"collateral_amount"`
	MinCollateralRatio decimal.Decimal `db:"min_collateral_ratio"`
	MintValue          decimal.Decimal `db:"mint_value"`
	CollateralValue    decimal.Decimal `db:"collateral_value"`
	CollateralRatio    decimal.Decimal `db:"collateral_ratio"`
	IsShort            bool            `db:"is_short"`
	Status             CdpStatus       `db:"status"`
	CreatedAt          time.Time       `db:"created_at"`
}

// Touch records a mutation and moves the position to Active, or Closed once both sides reach zero.
func (c *Cdp) Touch() {
	if c.MintAmount.IsZero() && c.CollateralAmount.IsZero() {
		c.Status = CdpClosed
		return
	}
	c.Status = CdpActive
}

// Closed reports whether both mint and collateral are exactly zero.
func (c *Cdp) Closed() bool {
	return c.MintAmount.IsZero() && c.CollateralAmount.IsZero()
}

// Clone returns an independent copy.
func (c *Cdp) Clone() *Cdp {
	cp := *c
	return &cp
}
