package models

import "github.com/shopspring/decimal"

type AssetStatus string

const (
	AssetListed     AssetStatus = "listed"
	AssetDelisted   AssetStatus = "delisted"
	AssetCollateral AssetStatus = "collateral"
)

// PriceSource selects the feed used to price an asset when it is pledged as collateral.
type PriceSource string

const (
	PriceOracle PriceSource = "oracle"
	PricePair   PriceSource = "pair"
	PriceAnchor PriceSource = "anchor"
	PriceStable PriceSource = "stable"
)

// Asset is a token known to the protocol: either a listed (mintable) asset or a collateral-only one.
type Asset struct {
	Token       string      `db:"token" yaml:"token"`
	Symbol      string      `db:"symbol" yaml:"symbol"`
	Name        string      `db:"name" yaml:"name"`
	Pair        string      `db:"pair" yaml:"pair,omitempty"`
	LPToken     string      `db:"lp_token" yaml:"lp_token,omitempty"`
	Status      AssetStatus `db:"status" yaml:"status"`
	PriceSource PriceSource `db:"price_source" yaml:"price_source"`
}

// Mintable reports whether CDPs can mint this asset.
func (a *Asset) Mintable() bool { return a.Status == AssetListed }

// AssetPosition holds the aggregates derived for one asset.
type AssetPosition struct {
	Token        string          `db:"token"`
	Mint         decimal.Decimal `db:"mint"`
	AsCollateral decimal.Decimal `db:"as_collateral"`
	Pool         decimal.Decimal `db:"pool"`
	UusdPool     decimal.Decimal `db:"uusd_pool"`
	LPShares     decimal.Decimal `db:"lp_shares"`
	LPStaked     decimal.Decimal `db:"lp_staked"`
}

func NewAssetPosition(token string) *AssetPosition {
	return &AssetPosition{
		Token:        token,
		Mint:         decimal.Zero,
		AsCollateral: decimal.Zero,
		Pool:         decimal.Zero,
		UusdPool:     decimal.Zero,
		LPShares:     decimal.Zero,
		LPStaked:     decimal.Zero,
	}
}

// AssetPositionDelta is an additive change to an AssetPosition. Zero fields leave the stored value untouched.
type AssetPositionDelta struct {
	Token        string
	Mint         decimal.Decimal
	AsCollateral decimal.Decimal
	Pool         decimal.Decimal
	UusdPool     decimal.Decimal
	LPShares     decimal.Decimal
	LPStaked     decimal.Decimal
}

func (d *AssetPositionDelta) IsZero() bool {
	return d.Mint.IsZero() && d.AsCollateral.IsZero() && d.Pool.IsZero() &&
		d.UusdPool.IsZero() && d.LPShares.IsZero() && d.LPStaked.IsZero()
}

// Add folds other into d.
func (d *AssetPositionDelta) Add(other AssetPositionDelta) {
	d.Mint = d.Mint.Add(other.Mint)
	d.AsCollateral = d.AsCollateral.Add(other.AsCollateral)
	d.Pool = d.Pool.Add(other.Pool)
	d.UusdPool = d.UusdPool.Add(other.UusdPool)
	d.LPShares = d.LPShares.Add(other.LPShares)
	d.LPStaked = d.LPStaked.Add(other.LPStaked)
}

// Apply adds the delta onto p.
func (p *AssetPosition) Apply(d AssetPositionDelta) {
	p.Mint = p.Mint.Add(d.Mint)
	p.AsCollateral = p.AsCollateral.Add(d.AsCollateral)
	p.Pool = p.Pool.Add(d.Pool)
	p.UusdPool = p.UusdPool.Add(d.UusdPool)
	p.LPShares = p.LPShares.Add(d.LPShares)
	p.LPStaked = p.LPStaked.Add(d.LPStaked)
}
