package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger/memstore"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	mintAddr    = "terra1mint"
	stakingAddr = "terra1staking"
	oracleAddr  = "terra1collateraloracle"
	pairAddr    = "terra1pair"
	lpAddr      = "terra1lp"
	tokenA      = "terra1tokena"
	tokenB      = "terra1tokenb"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeChain answers smart queries from in-memory mirror and terraswap state.
type fakeChain struct {
	rpc.Client
	mu        sync.Mutex
	height    uint64
	heights   map[uint64]int
	pool      rpc.PoolResponse
	lpSupply  decimal.Decimal
	lpStaked  decimal.Decimal
	positions map[string]rpc.PositionResponse
	minRatio  decimal.Decimal
	multiple  map[string]decimal.Decimal
	bank      map[string]decimal.Decimal
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		height:  100,
		heights: map[uint64]int{},
		pool: rpc.PoolResponse{Assets: []rpc.Asset{
			{Info: rpc.TokenAsset(tokenA), Amount: d("1000")},
			{Info: rpc.NativeAsset("uusd"), Amount: d("20000")},
		}},
		lpSupply:  d("4000"),
		lpStaked:  d("2500"),
		positions: map[string]rpc.PositionResponse{},
		minRatio:  d("1.5"),
		multiple:  map[string]decimal.Decimal{},
		bank:      map[string]decimal.Decimal{},
	}
}

func (f *fakeChain) LatestHeight(context.Context) (uint64, error) { return f.height, nil }

func (f *fakeChain) NativeBalance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.bank[address]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", address, rpc.ErrNotFound)
	}
	return bal, nil
}

func (f *fakeChain) addPosition(idx, owner, token, mint, collateralToken, collateral string) {
	f.positions[idx] = rpc.PositionResponse{
		Idx:        idx,
		Owner:      owner,
		Asset:      rpc.Asset{Info: rpc.TokenAsset(token), Amount: d(mint)},
		Collateral: rpc.Asset{Info: rpc.NativeAsset(collateralToken), Amount: d(collateral)},
	}
}

func (f *fakeChain) ContractState(_ context.Context, address string, query any, height uint64) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights[height]++

	raw, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	var q map[string]map[string]any
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	var out any
	switch {
	case q["pool"] != nil && address == pairAddr:
		out = f.pool
	case q["token_info"] != nil && address == lpAddr:
		out = rpc.TokenInfoResponse{TotalSupply: f.lpSupply}
	case q["balance"] != nil && address == lpAddr && q["balance"]["address"] == stakingAddr:
		out = rpc.BalanceResponse{Balance: f.lpStaked}
	case q["position"] != nil && address == mintAddr:
		pos, ok := f.positions[q["position"]["position_idx"].(string)]
		if !ok {
			return nil, fmt.Errorf("position: %w", rpc.ErrNotFound)
		}
		out = pos
	case q["positions"] != nil && address == mintAddr:
		out = f.page(q["positions"])
	case q["asset_config"] != nil && address == mintAddr:
		out = rpc.AssetConfigResponse{MinCollateralRatio: f.minRatio}
	case q["collateral_asset_info"] != nil && address == oracleAddr:
		m, ok := f.multiple[q["collateral_asset_info"]["asset"].(string)]
		if !ok {
			return nil, fmt.Errorf("collateral: %w", rpc.ErrNotFound)
		}
		out = rpc.CollateralInfoResponse{Multiplier: m}
	default:
		return nil, fmt.Errorf("unexpected query %s on %s", raw, address)
	}
	return json.Marshal(out)
}

func (f *fakeChain) page(args map[string]any) rpc.PositionsResponse {
	ids := make([]string, 0, len(f.positions))
	for id := range f.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	after, _ := args["start_after"].(string)
	limit := int(args["limit"].(float64))
	var out rpc.PositionsResponse
	for _, id := range ids {
		if after != "" && id <= after {
			continue
		}
		if len(out.Positions) == limit {
			break
		}
		out.Positions = append(out.Positions, f.positions[id])
	}
	return out
}

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.UpsertContracts(ctx, []*models.Contract{
		{Address: mintAddr, Kind: models.ContractMint},
		{Address: stakingAddr, Kind: models.ContractStaking},
		{Address: oracleAddr, Kind: models.ContractCollateralOracle},
	}))
	require.NoError(t, store.UpsertAssets(ctx, []*models.Asset{
		{Token: tokenA, Pair: pairAddr, LPToken: lpAddr, Status: models.AssetListed},
	}))
	return store
}

func TestSyncAssetPositionsOverwritesDrift(t *testing.T) {
	store := newStore(t)
	pos := models.NewAssetPosition(tokenA)
	pos.Mint = d("77")
	pos.Pool = d("900")
	store.SetAssetPosition(pos)
	chain := newFakeChain()
	p := New(store, chain, 4, zaptest.NewLogger(t), nil)

	r, err := p.SyncAssetPositions(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, r.AssetsChecked)
	assert.Equal(t, 1, r.AssetsUpdated)

	got, err := store.GetAssetPosition(context.Background(), tokenA)
	require.NoError(t, err)
	assert.True(t, d("1000").Equal(got.Pool))
	assert.True(t, d("20000").Equal(got.UusdPool))
	assert.True(t, d("4000").Equal(got.LPShares))
	assert.True(t, d("2500").Equal(got.LPStaked))
	assert.True(t, d("77").Equal(got.Mint), "event-derived aggregates are not reconciled")
}

func TestSyncCdpValues(t *testing.T) {
	store := newStore(t)
	store.PutCdp(&models.Cdp{ID: "1", Token: tokenA, MintAmount: d("10"), CollateralToken: "uluna", CollateralAmount: d("50"), Status: models.CdpActive})
	store.PutCdp(&models.Cdp{ID: "2", Token: tokenA, MintAmount: d("5"), CollateralToken: "uusd", CollateralAmount: d("100"), Status: models.CdpActive})
	chain := newFakeChain()
	chain.addPosition("1", "terra1owner", tokenA, "12", "uluna", "50")
	chain.multiple["uluna"] = d("1.3333")
	p := New(store, chain, 4, zaptest.NewLogger(t), nil)

	r, err := p.SyncCdpValues(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, r.CdpsChecked)
	assert.Equal(t, 1, r.CdpsUpdated)
	assert.Equal(t, 1, r.CdpsDeleted)

	cdp, err := store.GetCdp(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, cdp)
	assert.True(t, d("12").Equal(cdp.MintAmount))
	assert.True(t, d("1.99995").Equal(cdp.MinCollateralRatio), cdp.MinCollateralRatio.String())

	gone, err := store.GetCdp(context.Background(), "2")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRecoverCdpsPagesThroughPositions(t *testing.T) {
	store := newStore(t)
	chain := newFakeChain()
	for i := 0; i < PageSize+5; i++ {
		chain.addPosition(fmt.Sprintf("%03d", i), "terra1owner", tokenB, "1", "uusd", "3")
	}
	store.PutCdp(&models.Cdp{ID: "000", Token: tokenB, MintAmount: d("1"), CollateralToken: "uusd", CollateralAmount: d("3")})
	p := New(store, chain, 4, zaptest.NewLogger(t), nil)

	r, err := p.RecoverCdps(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, PageSize+5, r.CdpsChecked)
	assert.Equal(t, PageSize+4, r.CdpsCreated)

	cdp, err := store.GetCdp(context.Background(), "034")
	require.NoError(t, err)
	require.NotNil(t, cdp)
	assert.Equal(t, tokenB, cdp.Token)
	assert.True(t, d("1.5").Equal(cdp.MinCollateralRatio), "uusd collateral has multiplier 1")
	assert.Equal(t, models.CdpActive, cdp.Status)
}

func TestRunIsIdempotent(t *testing.T) {
	store := newStore(t)
	store.PutCdp(&models.Cdp{ID: "1", Token: tokenA, MintAmount: d("1"), CollateralToken: "uusd", CollateralAmount: d("1")})
	store.PutCdp(&models.Cdp{ID: "9", Token: tokenA, MintAmount: d("1"), CollateralToken: "uusd", CollateralAmount: d("1")})
	chain := newFakeChain()
	chain.addPosition("1", "terra1owner", tokenA, "10", "uusd", "40")
	chain.addPosition("2", "terra1other", tokenA, "20", "uusd", "70")
	p := New(store, chain, 4, zaptest.NewLogger(t), nil)

	first, err := p.Run(context.Background(), AllSteps())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), first.Height)
	assert.Positive(t, first.Writes())

	before := store.Writes()
	second, err := p.Run(context.Background(), AllSteps())
	require.NoError(t, err)
	assert.Zero(t, second.Writes())
	assert.Equal(t, before, store.Writes())

	assert.Equal(t, []uint64{100}, keys(chain.heights), "every query is pinned to the same height")
}

func TestDeletedCdpIsNotResurrected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.PutCdp(&models.Cdp{ID: "7", Token: tokenA, MintAmount: decimal.Zero, CollateralToken: "uusd", CollateralAmount: decimal.Zero, Status: models.CdpClosed})
	n, err := store.DeleteClosedCdps(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	p := New(store, newFakeChain(), 2, zaptest.NewLogger(t), nil)
	r, err := p.Run(ctx, AllSteps())
	require.NoError(t, err)
	assert.Zero(t, r.CdpsCreated)

	cdp, err := store.GetCdp(ctx, "7")
	require.NoError(t, err)
	assert.Nil(t, cdp)
}

func TestRunReportsIncompleteWithoutAborting(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.UpsertAssets(context.Background(), []*models.Asset{
		{Token: tokenB, Pair: "terra1unknownpair", Status: models.AssetListed},
	}))
	p := New(store, newFakeChain(), 2, zaptest.NewLogger(t), nil)

	r, err := p.Run(context.Background(), Steps{Assets: true})
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 2, r.AssetsChecked)
	assert.Equal(t, 1, r.AssetsUpdated)
	assert.Equal(t, 1, r.Failed)
}

func TestRunRealignsAggregatesWithCdps(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.PutCdp(&models.Cdp{ID: "1", Token: tokenA, MintAmount: d("100"), CollateralToken: "uusd", CollateralAmount: d("500"), MinCollateralRatio: d("1.5")})
	agg := models.NewAssetPosition(tokenA)
	agg.Mint = d("100")
	store.SetAssetPosition(agg)
	uusd := models.NewAssetPosition("uusd")
	uusd.AsCollateral = d("500")
	store.SetAssetPosition(uusd)

	chain := newFakeChain()
	chain.addPosition("1", "terra1owner", tokenA, "40", "uusd", "200")
	chain.addPosition("2", "terra1other", tokenA, "10", "uusd", "50")
	p := New(store, chain, 4, zaptest.NewLogger(t), nil)

	r, err := p.Run(ctx, AllSteps())
	require.NoError(t, err)
	assert.Equal(t, 1, r.CdpsUpdated)
	assert.Equal(t, 1, r.CdpsCreated)
	assert.Equal(t, 2, r.AggregatesUpdated)

	cdps, err := store.ListCdps(ctx)
	require.NoError(t, err)
	mint, collateral := decimal.Zero, decimal.Zero
	for _, c := range cdps {
		mint = mint.Add(c.MintAmount)
		collateral = collateral.Add(c.CollateralAmount)
	}
	a, err := store.GetAssetPosition(ctx, tokenA)
	require.NoError(t, err)
	assert.True(t, mint.Equal(a.Mint), "mint %s, aggregate %s", mint, a.Mint)
	assert.True(t, d("50").Equal(a.Mint))
	assert.True(t, d("1000").Equal(a.Pool), "pool figures still come from the pair")
	u, err := store.GetAssetPosition(ctx, "uusd")
	require.NoError(t, err)
	assert.True(t, collateral.Equal(u.AsCollateral), "collateral %s, aggregate %s", collateral, u.AsCollateral)

	again, err := p.Run(ctx, AllSteps())
	require.NoError(t, err)
	assert.Zero(t, again.Writes())
}

func TestSyncBalancesAppendsOnlyOnMismatch(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.UpsertAccount(ctx, &models.Account{Address: "terra1user", IsAppUser: true}))
	require.NoError(t, store.UpsertAccount(ctx, &models.Account{Address: "terra1synced", IsAppUser: true}))
	require.NoError(t, store.UpsertAccount(ctx, &models.Account{Address: "terra1stranger"}))
	require.NoError(t, store.InsertBalances(ctx, []*models.Balance{
		{Address: "terra1user", Token: "uusd", Balance: d("100"), AveragePrice: d("1")},
		{Address: "terra1synced", Token: "uusd", Balance: d("7"), AveragePrice: d("1")},
	}))
	chain := newFakeChain()
	chain.bank["terra1user"] = d("130")
	chain.bank["terra1synced"] = d("7")
	p := New(store, chain, 2, zaptest.NewLogger(t), nil)

	r, err := p.Run(ctx, Steps{Balances: true})
	require.NoError(t, err)
	assert.Equal(t, 2, r.BalancesChecked)
	assert.Equal(t, 1, r.BalancesUpdated)

	rows := store.Balances("terra1user", "uusd")
	require.Len(t, rows, 2)
	assert.True(t, d("130").Equal(rows[1].Balance))
	assert.Len(t, store.Balances("terra1synced", "uusd"), 1)
	assert.Empty(t, store.Balances("terra1stranger", "uusd"))

	before := store.Writes()
	again, err := p.Run(ctx, Steps{Balances: true})
	require.NoError(t, err)
	assert.Zero(t, again.Writes())
	assert.Equal(t, before, store.Writes())
}

func keys(m map[uint64]int) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
