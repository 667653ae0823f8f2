// Package price reads uusd prices for minted and collateral assets from chain contracts.
// A price that cannot be read is reported as absent; callers skip the update that needed it.
package price

import (
	"context"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source prices assets for the solvency tracker.
type Source interface {
	// Oracle returns the oracle price of a minted asset.
	Oracle(ctx context.Context, token string) (decimal.Decimal, bool)
	// Collateral prices a as collateral, using the feed its PriceSource names.
	Collateral(ctx context.Context, a *models.Asset) (decimal.Decimal, bool)
}

type quote struct {
	price decimal.Decimal
	ok    bool
	at    time.Time
}

// Feeds reads prices from the oracle, terraswap pairs and the anchor market.
// Quotes are memoized for TTL so per-block tight refreshes do not hammer the LCD.
type Feeds struct {
	client       rpc.Client
	contracts    ledger.ContractStore
	anchorMarket string
	ttl          time.Duration
	logger       *zap.Logger
	memo         *xsync.Map[string, quote]
	now          func() time.Time
}

func NewFeeds(client rpc.Client, contracts ledger.ContractStore, anchorMarket string, ttl time.Duration, logger *zap.Logger) *Feeds {
	return &Feeds{
		client:       client,
		contracts:    contracts,
		anchorMarket: anchorMarket,
		ttl:          ttl,
		logger:       logger,
		memo:         xsync.NewMap[string, quote](),
		now:          time.Now,
	}
}

var _ Source = (*Feeds)(nil)

func (f *Feeds) cached(key string, read func() (decimal.Decimal, bool)) (decimal.Decimal, bool) {
	now := f.now()
	if f.ttl > 0 {
		if q, ok := f.memo.Load(key); ok && now.Sub(q.at) < f.ttl {
			return q.price, q.ok
		}
	}
	p, ok := read()
	if ok && !p.IsPositive() {
		ok = false
	}
	if f.ttl > 0 {
		f.memo.Store(key, quote{price: p, ok: ok, at: now})
	}
	return p, ok
}

func (f *Feeds) Oracle(ctx context.Context, token string) (decimal.Decimal, bool) {
	return f.cached("oracle/"+token, func() (decimal.Decimal, bool) {
		oracle, err := f.contracts.FindContract(ctx, models.ContractOracle, "")
		if err != nil {
			f.logger.Warn("No oracle contract registered", zap.Error(err))
			return decimal.Zero, false
		}
		res, err := rpc.OraclePrice(ctx, f.client, oracle.Address, token)
		if err != nil {
			f.logger.Debug("Oracle price unavailable", zap.String("token", token), zap.Error(err))
			return decimal.Zero, false
		}
		return res.Rate, true
	})
}

func (f *Feeds) Collateral(ctx context.Context, a *models.Asset) (decimal.Decimal, bool) {
	switch a.PriceSource {
	case models.PriceStable:
		return decimal.NewFromInt(1), true
	case models.PricePair:
		return f.pair(ctx, a)
	case models.PriceAnchor:
		return f.anchor(ctx)
	default:
		return f.Oracle(ctx, a.Token)
	}
}

func (f *Feeds) pair(ctx context.Context, a *models.Asset) (decimal.Decimal, bool) {
	return f.cached("pair/"+a.Token, func() (decimal.Decimal, bool) {
		if a.Pair == "" {
			return decimal.Zero, false
		}
		pool, err := rpc.Pool(ctx, f.client, a.Pair, 0)
		if err != nil {
			f.logger.Debug("Pool price unavailable", zap.String("token", a.Token), zap.Error(err))
			return decimal.Zero, false
		}
		asset, uusd := pool.Amounts(a.Token)
		if !asset.IsPositive() {
			return decimal.Zero, false
		}
		return uusd.Div(asset), true
	})
}

func (f *Feeds) anchor(ctx context.Context) (decimal.Decimal, bool) {
	return f.cached("anchor", func() (decimal.Decimal, bool) {
		if f.anchorMarket == "" {
			return decimal.Zero, false
		}
		res, err := rpc.EpochState(ctx, f.client, f.anchorMarket)
		if err != nil {
			f.logger.Debug("Anchor exchange rate unavailable", zap.Error(err))
			return decimal.Zero, false
		}
		return res.ExchangeRate, true
	})
}

// MinCollateralRatio reads the minimum collateral ratio of token against collateral from the mint contract,
// scaled by the collateral oracle's multiplier.
func (f *Feeds) MinCollateralRatio(ctx context.Context, token, collateral string) (decimal.Decimal, bool) {
	return f.cached("min/"+token+"/"+collateral, func() (decimal.Decimal, bool) {
		mint, err := f.contracts.FindContract(ctx, models.ContractMint, "")
		if err != nil {
			f.logger.Warn("No mint contract registered", zap.Error(err))
			return decimal.Zero, false
		}
		oracle := ""
		if co, err := f.contracts.FindContract(ctx, models.ContractCollateralOracle, ""); err == nil {
			oracle = co.Address
		}
		ratio, err := rpc.MinCollateralRatio(ctx, f.client, mint.Address, oracle, token, collateral, 0)
		if err != nil {
			f.logger.Debug("Minimum collateral ratio unavailable", zap.String("token", token), zap.Error(err))
			return decimal.Zero, false
		}
		return ratio, true
	})
}
