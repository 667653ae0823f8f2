// Package solvency recomputes CDP values and collateral ratios from current prices and prunes closed positions.
package solvency

import (
	"context"
	"fmt"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/cooldown"
	"github.com/mirror-protocol/mirrorx/pkg/price"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Tier string

const (
	TierFull  Tier = "full"
	TierTight Tier = "tight"
)

// Result summarizes one tick.
type Result struct {
	Tier              Tier
	Deleted           int64
	MintUpdated       int64
	CollateralUpdated int64
	RatiosUpdated     int64
	// MinRatiosFilled counts CDPs that got their minimum collateral ratio this tick.
	MinRatiosFilled int64
	// Unpriced counts assets skipped because their price was absent.
	Unpriced int
}

// MinRatios resolves the minimum collateral ratio of a minted asset against a collateral.
type MinRatios interface {
	MinCollateralRatio(ctx context.Context, token, collateral string) (decimal.Decimal, bool)
}

type Tracker struct {
	store     ledger.Store
	prices    price.Source
	minRatios MinRatios
	gate      *cooldown.Gate
	threshold decimal.Decimal
	logger    *zap.Logger
}

type Option func(*Tracker)

// WithMinRatios fills the minimum collateral ratio of CDPs opened by ingestion, which the mint
// events do not carry, before they are refreshed.
func WithMinRatios(r MinRatios) Option { return func(t *Tracker) { t.minRatios = r } }

// New builds a tracker. gate decides when a tick is a full refresh; every other tick is tight.
func New(store ledger.Store, prices price.Source, gate *cooldown.Gate, threshold decimal.Decimal, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{store: store, prices: prices, gate: gate, threshold: threshold, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type minRatio struct {
	id    string
	ratio decimal.Decimal
}

type quote struct {
	token string
	price decimal.Decimal
}

var stableUusd = &models.Asset{Token: "uusd", Symbol: "UST", Status: models.AssetCollateral, PriceSource: models.PriceStable}

// Tick runs one refresh. Prices are read before the transaction; all writes share one transaction.
func (t *Tracker) Tick(ctx context.Context, now time.Time) (Result, error) {
	res := Result{Tier: TierTight}
	filter := ledger.CdpFilter{Threshold: &t.threshold}
	if t.gate.Allow(now) {
		res.Tier = TierFull
		filter = ledger.CdpFilter{}
	}

	mintQuotes, collateralQuotes, err := t.quotes(ctx, &res)
	if err != nil {
		t.retryFull(res.Tier)
		return res, err
	}
	fills, err := t.missingMinRatios(ctx)
	if err != nil {
		t.retryFull(res.Tier)
		return res, err
	}

	err = t.store.InTx(ctx, func(ctx context.Context) error {
		for _, f := range fills {
			if err := t.store.SetMinCollateralRatio(ctx, f.id, f.ratio); err != nil {
				return err
			}
		}
		res.MinRatiosFilled = int64(len(fills))

		deleted, err := t.store.DeleteClosedCdps(ctx)
		if err != nil {
			return err
		}
		res.Deleted = deleted

		for _, q := range mintQuotes {
			n, err := t.store.UpdateMintValues(ctx, q.token, q.price, filter)
			if err != nil {
				return err
			}
			res.MintUpdated += n
		}
		for _, q := range collateralQuotes {
			n, err := t.store.UpdateCollateralValues(ctx, q.token, q.price, filter)
			if err != nil {
				return err
			}
			res.CollateralUpdated += n
		}
		n, err := t.store.UpdateCollateralRatios(ctx, filter)
		if err != nil {
			return err
		}
		res.RatiosUpdated = n
		return nil
	})
	if err != nil {
		t.retryFull(res.Tier)
		return res, fmt.Errorf("%s refresh: %w", res.Tier, err)
	}

	t.logger.Debug("CDP refresh done",
		zap.String("tier", string(res.Tier)),
		zap.Int64("deleted", res.Deleted),
		zap.Int64("mint_updated", res.MintUpdated),
		zap.Int64("collateral_updated", res.CollateralUpdated),
		zap.Int64("ratios_updated", res.RatiosUpdated),
		zap.Int64("min_ratios_filled", res.MinRatiosFilled),
		zap.Int("unpriced", res.Unpriced))
	return res, nil
}

// retryFull lets a failed full refresh run again on the next tick.
func (t *Tracker) retryFull(tier Tier) {
	if tier == TierFull {
		t.gate.Reset()
	}
}

// missingMinRatios resolves the minimum ratio of open CDPs that have none yet. Unresolvable ones wait for a later tick.
func (t *Tracker) missingMinRatios(ctx context.Context) ([]minRatio, error) {
	if t.minRatios == nil {
		return nil, nil
	}
	cdps, err := t.store.ListCdpsWithoutMinRatio(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cdps without min ratio: %w", err)
	}
	var out []minRatio
	for _, c := range cdps {
		if c.Closed() {
			continue
		}
		if r, ok := t.minRatios.MinCollateralRatio(ctx, c.Token, c.CollateralToken); ok {
			out = append(out, minRatio{id: c.ID, ratio: r})
		}
	}
	return out, nil
}

func (t *Tracker) quotes(ctx context.Context, res *Result) (mint, collateral []quote, err error) {
	assets, err := t.store.ListAssets(ctx, models.AssetListed, models.AssetCollateral)
	if err != nil {
		return nil, nil, fmt.Errorf("list assets: %w", err)
	}

	hasUusd := false
	for _, a := range assets {
		if a.Token == stableUusd.Token {
			hasUusd = true
		}
	}
	if !hasUusd {
		assets = append(assets, stableUusd)
	}

	for _, a := range assets {
		if a.Mintable() {
			if p, ok := t.prices.Oracle(ctx, a.Token); ok {
				mint = append(mint, quote{token: a.Token, price: p})
			} else {
				res.Unpriced++
			}
		}
		if p, ok := t.prices.Collateral(ctx, a); ok {
			collateral = append(collateral, quote{token: a.Token, price: p})
		} else {
			res.Unpriced++
		}
	}
	return mint, collateral, nil
}
