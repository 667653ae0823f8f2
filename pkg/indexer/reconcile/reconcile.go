// Package reconcile overwrites derived state with values read from the chain at one pinned height.
//
// Every write sets an authoritative value and only happens on mismatch, so a pass can run next to
// ingestion and a second pass over unchanged chain state writes nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/balance"
	"github.com/mirror-protocol/mirrorx/pkg/metrics"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrIncomplete is returned when some entities could not be checked. Everything else was still applied.
var ErrIncomplete = errors.New("reconciliation incomplete")

const (
	defaultWorkers = 8
	// PageSize is the number of on-chain positions requested per page.
	PageSize = 30
)

// Steps selects what Run does. The mint and collateral aggregates are recomputed whenever Cdps or Recover runs.
type Steps struct {
	Assets   bool `json:"assets"`
	Cdps     bool `json:"cdps"`
	Recover  bool `json:"recover"`
	Balances bool `json:"balances"`
}

func AllSteps() Steps { return Steps{Assets: true, Cdps: true, Recover: true, Balances: true} }

// Any reports whether at least one step is selected.
func (s Steps) Any() bool { return s.Assets || s.Cdps || s.Recover || s.Balances }

// Report counts what a pass looked at and what it changed.
type Report struct {
	Height        uint64 `json:"height"`
	AssetsChecked int    `json:"assets_checked"`
	AssetsUpdated int    `json:"assets_updated"`
	CdpsChecked   int    `json:"cdps_checked"`
	CdpsUpdated   int    `json:"cdps_updated"`
	CdpsDeleted   int    `json:"cdps_deleted"`
	CdpsCreated   int    `json:"cdps_created"`
	// AggregatesUpdated counts asset positions whose mint or as-collateral total was rewritten.
	AggregatesUpdated int `json:"aggregates_updated"`
	BalancesChecked   int `json:"balances_checked"`
	BalancesUpdated   int `json:"balances_updated"`
	Failed            int `json:"failed"`
}

// Merge adds o's counts into r.
func (r *Report) Merge(o Report) {
	r.AssetsChecked += o.AssetsChecked
	r.AssetsUpdated += o.AssetsUpdated
	r.CdpsChecked += o.CdpsChecked
	r.CdpsUpdated += o.CdpsUpdated
	r.CdpsDeleted += o.CdpsDeleted
	r.CdpsCreated += o.CdpsCreated
	r.AggregatesUpdated += o.AggregatesUpdated
	r.BalancesChecked += o.BalancesChecked
	r.BalancesUpdated += o.BalancesUpdated
	r.Failed += o.Failed
}

// Writes is the number of rows the pass changed.
func (r Report) Writes() int {
	return r.AssetsUpdated + r.CdpsUpdated + r.CdpsDeleted + r.CdpsCreated + r.AggregatesUpdated + r.BalancesUpdated
}

type Pass struct {
	store   ledger.Store
	client  rpc.Client
	workers int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a pass that fans out over at most workers concurrent chain queries. m may be nil.
func New(store ledger.Store, client rpc.Client, workers int, logger *zap.Logger, m *metrics.Metrics) *Pass {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pass{
		store:   store,
		client:  client,
		workers: workers,
		logger:  logger.With(zap.String("component", "reconcile")),
		metrics: m,
	}
}

// Height returns the chain head a pass should pin its queries to.
func (p *Pass) Height(ctx context.Context) (uint64, error) {
	height, err := p.client.LatestHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest height: %w", err)
	}
	return height, nil
}

// Run pins the chain head and runs the selected steps against it in order: assets, CDP values, recovery,
// aggregates, balances.
func (p *Pass) Run(ctx context.Context, steps Steps) (Report, error) {
	height, err := p.Height(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Height: height}
	p.logger.Info("Reconciliation started", zap.Uint64("height", height), zap.Any("steps", steps))

	type step struct {
		on bool
		fn func(context.Context, uint64) (Report, error)
	}
	var incomplete bool
	for _, s := range []step{
		{steps.Assets, p.SyncAssetPositions},
		{steps.Cdps, p.SyncCdpValues},
		{steps.Recover, p.RecoverCdps},
		{steps.Cdps || steps.Recover, p.SyncAggregates},
		{steps.Balances, p.SyncBalances},
	} {
		if !s.on {
			continue
		}
		r, err := s.fn(ctx, height)
		report.Merge(r)
		if errors.Is(err, ErrIncomplete) {
			incomplete = true
			continue
		}
		if err != nil {
			return report, err
		}
	}

	p.logger.Info("Reconciliation finished",
		zap.Uint64("height", height),
		zap.Int("assets_updated", report.AssetsUpdated),
		zap.Int("cdps_updated", report.CdpsUpdated),
		zap.Int("cdps_deleted", report.CdpsDeleted),
		zap.Int("cdps_created", report.CdpsCreated),
		zap.Int("aggregates_updated", report.AggregatesUpdated),
		zap.Int("balances_updated", report.BalancesUpdated),
		zap.Int("failed", report.Failed),
	)
	if incomplete {
		return report, fmt.Errorf("%w: %d failed", ErrIncomplete, report.Failed)
	}
	return report, nil
}

type counters struct {
	checked, updated, deleted, created, failed atomic.Int64
}

// fanOut runs fn for every item on a bounded pool and waits for all of them.
// A failing item is logged and counted; it never stops the others.
func fanOut[T any](ctx context.Context, p *Pass, items []T, c *counters, name func(T) string, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	pool := pond.NewPool(p.workers, pond.WithQueueSize(len(items)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, item := range items {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			c.checked.Add(1)
			if err := fn(groupCtx, item); err != nil {
				c.failed.Add(1)
				p.logger.Warn("Reconcile item failed", zap.String("item", name(item)), zap.Error(err))
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := c.failed.Load(); n > 0 {
		return fmt.Errorf("%w: %d failed", ErrIncomplete, n)
	}
	return nil
}

func (p *Pass) fixed(kind string, n int) {
	if p.metrics != nil && n > 0 {
		p.metrics.ReconcileFixes.WithLabelValues(kind).Add(float64(n))
	}
}

// SyncAssetPositions overwrites pool reserves, LP supply and staked LP for every listed asset.
func (p *Pass) SyncAssetPositions(ctx context.Context, height uint64) (Report, error) {
	assets, err := p.store.ListAssets(ctx, models.AssetListed)
	if err != nil {
		return Report{}, fmt.Errorf("list assets: %w", err)
	}
	staking := ""
	if c, err := p.store.FindContract(ctx, models.ContractStaking, ""); err == nil {
		staking = c.Address
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Report{}, err
	}

	var c counters
	err = fanOut(ctx, p, assets, &c, func(a *models.Asset) string { return a.Token }, func(ctx context.Context, a *models.Asset) error {
		changed, err := p.syncAsset(ctx, a, staking, height)
		if err == nil && changed {
			c.updated.Add(1)
		}
		return err
	})
	r := Report{
		Height:        height,
		AssetsChecked: int(c.checked.Load()),
		AssetsUpdated: int(c.updated.Load()),
		Failed:        int(c.failed.Load()),
	}
	p.fixed("asset", r.AssetsUpdated)
	return r, err
}

func (p *Pass) syncAsset(ctx context.Context, a *models.Asset, staking string, height uint64) (bool, error) {
	pos, err := p.store.GetAssetPosition(ctx, a.Token)
	if err != nil {
		return false, err
	}
	if pos == nil {
		pos = models.NewAssetPosition(a.Token)
	}
	want := *pos

	if a.Pair != "" {
		pool, err := rpc.Pool(ctx, p.client, a.Pair, height)
		if err != nil {
			return false, fmt.Errorf("pool: %w", err)
		}
		want.Pool, want.UusdPool = pool.Amounts(a.Token)
	}
	if a.LPToken != "" {
		info, err := rpc.TokenInfo(ctx, p.client, a.LPToken, height)
		if err != nil {
			return false, fmt.Errorf("lp token info: %w", err)
		}
		want.LPShares = info.TotalSupply
		if staking != "" {
			bal, err := rpc.TokenBalance(ctx, p.client, a.LPToken, staking, height)
			if err != nil {
				return false, fmt.Errorf("staked lp: %w", err)
			}
			want.LPStaked = bal.Balance
		}
	}

	if want.Pool.Equal(pos.Pool) && want.UusdPool.Equal(pos.UusdPool) &&
		want.LPShares.Equal(pos.LPShares) && want.LPStaked.Equal(pos.LPStaked) {
		return false, nil
	}
	p.logger.Info("Asset position drifted",
		zap.String("token", a.Token),
		zap.Stringer("pool", pos.Pool), zap.Stringer("chain_pool", want.Pool),
		zap.Stringer("uusd_pool", pos.UusdPool), zap.Stringer("chain_uusd_pool", want.UusdPool),
		zap.Stringer("lp_shares", pos.LPShares), zap.Stringer("chain_lp_shares", want.LPShares),
		zap.Stringer("lp_staked", pos.LPStaked), zap.Stringer("chain_lp_staked", want.LPStaked),
	)
	return true, p.store.SaveAssetPosition(ctx, &want)
}

// ratios resolves minimum collateral ratios for one pass, memoized per (asset, collateral).
type ratios struct {
	p                *Pass
	mint             string
	collateralOracle string
	height           uint64
	memo             *xsync.Map[string, decimal.Decimal]
}

func (p *Pass) ratios(ctx context.Context, height uint64) (*ratios, error) {
	mint, err := p.store.FindContract(ctx, models.ContractMint, "")
	if err != nil {
		return nil, fmt.Errorf("mint contract: %w", err)
	}
	r := &ratios{p: p, mint: mint.Address, height: height, memo: xsync.NewMap[string, decimal.Decimal]()}
	if co, err := p.store.FindContract(ctx, models.ContractCollateralOracle, ""); err == nil {
		r.collateralOracle = co.Address
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	return r, nil
}

// min returns the minimum collateral ratio of token against collateral at the pinned height.
func (r *ratios) min(ctx context.Context, token, collateral string) (decimal.Decimal, error) {
	key := token + "/" + collateral
	if v, ok := r.memo.Load(key); ok {
		return v, nil
	}
	v, err := rpc.MinCollateralRatio(ctx, r.p.client, r.mint, r.collateralOracle, token, collateral, r.height)
	if err != nil {
		return decimal.Zero, err
	}
	r.memo.Store(key, v)
	return v, nil
}

// SyncCdpValues checks every stored CDP against the mint contract. CDPs the chain no longer has are
// deleted; the rest get chain amounts and a recomputed minimum collateral ratio when they differ.
func (p *Pass) SyncCdpValues(ctx context.Context, height uint64) (Report, error) {
	cdps, err := p.store.ListCdps(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list cdps: %w", err)
	}
	rs, err := p.ratios(ctx, height)
	if err != nil {
		return Report{}, err
	}

	var c counters
	err = fanOut(ctx, p, cdps, &c, func(cdp *models.Cdp) string { return cdp.ID }, func(ctx context.Context, cdp *models.Cdp) error {
		onChain, err := rpc.Position(ctx, p.client, rs.mint, cdp.ID, height)
		if errors.Is(err, rpc.ErrNotFound) {
			p.logger.Info("CDP gone on chain, deleting", zap.String("id", cdp.ID))
			if err := p.store.DeleteCdp(ctx, cdp.ID); err != nil {
				return err
			}
			c.deleted.Add(1)
			return nil
		}
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}

		minRatio, err := rs.min(ctx, cdp.Token, cdp.CollateralToken)
		if err != nil {
			return err
		}
		mint, collateral := onChain.Asset.Amount, onChain.Collateral.Amount
		if mint.Equal(cdp.MintAmount) && collateral.Equal(cdp.CollateralAmount) && minRatio.Equal(cdp.MinCollateralRatio) {
			return nil
		}
		p.logger.Info("CDP drifted",
			zap.String("id", cdp.ID),
			zap.Stringer("mint", cdp.MintAmount), zap.Stringer("chain_mint", mint),
			zap.Stringer("collateral", cdp.CollateralAmount), zap.Stringer("chain_collateral", collateral),
			zap.Stringer("min_ratio", cdp.MinCollateralRatio), zap.Stringer("chain_min_ratio", minRatio),
		)
		fixed := cdp.Clone()
		fixed.MintAmount, fixed.CollateralAmount, fixed.MinCollateralRatio = mint, collateral, minRatio
		fixed.Touch()
		if err := p.store.SaveCdp(ctx, fixed); err != nil {
			return err
		}
		c.updated.Add(1)
		return nil
	})
	r := Report{
		Height:      height,
		CdpsChecked: int(c.checked.Load()),
		CdpsUpdated: int(c.updated.Load()),
		CdpsDeleted: int(c.deleted.Load()),
		Failed:      int(c.failed.Load()),
	}
	p.fixed("cdp_update", r.CdpsUpdated)
	p.fixed("cdp_delete", r.CdpsDeleted)
	return r, err
}

// RecoverCdps walks every on-chain position and creates the ones the store is missing.
func (p *Pass) RecoverCdps(ctx context.Context, height uint64) (Report, error) {
	rs, err := p.ratios(ctx, height)
	if err != nil {
		return Report{}, err
	}
	positions, err := p.positions(ctx, rs.mint, height)
	if err != nil {
		return Report{}, err
	}

	var c counters
	err = fanOut(ctx, p, positions, &c, func(pos rpc.PositionResponse) string { return pos.Idx }, func(ctx context.Context, pos rpc.PositionResponse) error {
		existing, err := p.store.GetCdp(ctx, pos.Idx)
		if err != nil || existing != nil {
			return err
		}
		token, collateral := pos.Asset.Info.ID(), pos.Collateral.Info.ID()
		minRatio, err := rs.min(ctx, token, collateral)
		if err != nil {
			return err
		}
		cdp := &models.Cdp{
			ID:                 pos.Idx,
			Address:            pos.Owner,
			Token:              token,
			MintAmount:         pos.Asset.Amount,
			CollateralToken:    collateral,
			CollateralAmount:   pos.Collateral.Amount,
			MinCollateralRatio: minRatio,
			IsShort:            pos.IsShort,
		}
		cdp.Touch()
		if err := p.store.SaveCdp(ctx, cdp); err != nil {
			return err
		}
		p.logger.Info("CDP recovered", zap.String("id", cdp.ID), zap.String("owner", cdp.Address))
		c.created.Add(1)
		return nil
	})
	r := Report{
		Height:      height,
		CdpsChecked: int(c.checked.Load()),
		CdpsCreated: int(c.created.Load()),
		Failed:      int(c.failed.Load()),
	}
	p.fixed("cdp_create", r.CdpsCreated)
	return r, err
}

// SyncAggregates sets each asset's mint aggregate to the sum of stored CDP mint amounts and its
// as-collateral aggregate to the sum of stored CDP collateral amounts. It reads only the store; height is
// carried into the report.
func (p *Pass) SyncAggregates(ctx context.Context, height uint64) (Report, error) {
	cdps, err := p.store.ListCdps(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list cdps: %w", err)
	}
	assets, err := p.store.ListAssets(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list assets: %w", err)
	}

	minted := map[string]decimal.Decimal{}
	pledged := map[string]decimal.Decimal{"uusd": decimal.Zero}
	for _, a := range assets {
		minted[a.Token] = decimal.Zero
		pledged[a.Token] = decimal.Zero
	}
	for _, c := range cdps {
		minted[c.Token] = minted[c.Token].Add(c.MintAmount)
		pledged[c.CollateralToken] = pledged[c.CollateralToken].Add(c.CollateralAmount)
	}
	tokens := make(map[string]struct{}, len(minted)+len(pledged))
	for t := range minted {
		tokens[t] = struct{}{}
	}
	for t := range pledged {
		tokens[t] = struct{}{}
	}

	r := Report{Height: height}
	for token := range tokens {
		mint, collateral := minted[token], pledged[token]
		pos, err := p.store.GetAssetPosition(ctx, token)
		if err != nil {
			return r, err
		}
		if pos == nil {
			if mint.IsZero() && collateral.IsZero() {
				continue
			}
			pos = models.NewAssetPosition(token)
		}
		if mint.Equal(pos.Mint) && collateral.Equal(pos.AsCollateral) {
			continue
		}
		p.logger.Info("Asset aggregates drifted",
			zap.String("token", token),
			zap.Stringer("mint", pos.Mint), zap.Stringer("cdp_mint", mint),
			zap.Stringer("as_collateral", pos.AsCollateral), zap.Stringer("cdp_collateral", collateral),
		)
		if err := p.store.SaveAssetAggregates(ctx, token, mint, collateral); err != nil {
			return r, err
		}
		r.AggregatesUpdated++
	}
	p.fixed("aggregate", r.AggregatesUpdated)
	return r, nil
}

// SyncBalances appends a uusd snapshot for every app user whose ledger balance differs from the bank
// balance on chain. Bank balances are read at the latest height.
func (p *Pass) SyncBalances(ctx context.Context, height uint64) (Report, error) {
	users, err := p.store.ListAppUsers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list app users: %w", err)
	}

	var c counters
	err = fanOut(ctx, p, users, &c, func(a *models.Account) string { return a.Address }, func(ctx context.Context, a *models.Account) error {
		onChain, err := p.client.NativeBalance(ctx, a.Address, "uusd")
		if err != nil {
			return fmt.Errorf("bank balance: %w", err)
		}
		reg, err := balance.Register(ctx, p.store, a.Address, onChain, time.Now().UTC())
		if err != nil {
			return err
		}
		if !reg.Adjustment.IsZero() {
			p.logger.Info("uusd balance drifted", zap.String("address", a.Address), zap.Stringer("adjustment", reg.Adjustment))
			c.updated.Add(1)
		}
		return nil
	})
	r := Report{
		Height:          height,
		BalancesChecked: int(c.checked.Load()),
		BalancesUpdated: int(c.updated.Load()),
		Failed:          int(c.failed.Load()),
	}
	p.fixed("balance", r.BalancesUpdated)
	return r, err
}

func (p *Pass) positions(ctx context.Context, mint string, height uint64) ([]rpc.PositionResponse, error) {
	var (
		out   []rpc.PositionResponse
		after string
	)
	for {
		page, err := rpc.Positions(ctx, p.client, mint, after, PageSize, height)
		if err != nil {
			return nil, fmt.Errorf("positions after %q: %w", after, err)
		}
		out = append(out, page.Positions...)
		if len(page.Positions) < PageSize {
			return out, nil
		}
		after = page.Positions[len(page.Positions)-1].Idx
	}
}
