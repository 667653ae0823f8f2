package price

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger/memstore"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChain struct {
	rpc.Client
	responses map[string]string
	calls     int
}

func (f *fakeChain) ContractState(_ context.Context, address string, _ any, _ uint64) (json.RawMessage, error) {
	f.calls++
	body, ok := f.responses[address]
	if !ok {
		return nil, errors.New("unavailable")
	}
	return json.RawMessage(body), nil
}

func newFeeds(t *testing.T, chain *fakeChain, ttl time.Duration) *Feeds {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.UpsertContracts(context.Background(), []*models.Contract{
		{Address: "terra1oracle", Kind: models.ContractOracle},
	}))
	return NewFeeds(chain, store, "terra1market", ttl, zaptest.NewLogger(t))
}

func TestCollateralSources(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{responses: map[string]string{
		"terra1oracle": `{"rate":"12.5"}`,
		"terra1pair":   `{"assets":[{"info":{"token":{"contract_addr":"terra1mir"}},"amount":"200"},{"info":{"native_token":{"denom":"uusd"}},"amount":"600"}],"total_share":"10"}`,
		"terra1market": `{"exchange_rate":"1.1"}`,
	}}
	f := newFeeds(t, chain, 0)

	p, ok := f.Collateral(ctx, &models.Asset{Token: "uusd", PriceSource: models.PriceStable})
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(1).Equal(p))

	p, ok = f.Collateral(ctx, &models.Asset{Token: "terra1mir", Pair: "terra1pair", PriceSource: models.PricePair})
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(3).Equal(p))

	p, ok = f.Collateral(ctx, &models.Asset{Token: "terra1aust", PriceSource: models.PriceAnchor})
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("1.1").Equal(p))

	p, ok = f.Oracle(ctx, "terra1masset")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("12.5").Equal(p))
}

func TestAbsentPriceIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := newFeeds(t, &fakeChain{responses: map[string]string{"terra1oracle": `{"rate":"0"}`}}, 0)

	_, ok := f.Oracle(ctx, "terra1masset")
	assert.False(t, ok, "zero price is absent")

	_, ok = f.Collateral(ctx, &models.Asset{Token: "terra1mir", PriceSource: models.PricePair})
	assert.False(t, ok, "asset without pair")
}

func TestQuotesAreMemoized(t *testing.T) {
	ctx := context.Background()
	chain := &fakeChain{responses: map[string]string{"terra1oracle": `{"rate":"2"}`}}
	f := newFeeds(t, chain, time.Minute)
	now := time.Unix(1_000, 0)
	f.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, ok := f.Oracle(ctx, "terra1masset")
		require.True(t, ok)
	}
	assert.Equal(t, 1, chain.calls)

	now = now.Add(2 * time.Minute)
	_, _ = f.Oracle(ctx, "terra1masset")
	assert.Equal(t, 2, chain.calls)
}

type queryChain struct {
	rpc.Client
	answers map[string]string
}

func (q *queryChain) ContractState(_ context.Context, address string, query any, _ uint64) (json.RawMessage, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	body, ok := q.answers[address+" "+string(raw)]
	if !ok {
		return nil, errors.New("not found")
	}
	return json.RawMessage(body), nil
}

func TestMinCollateralRatioAppliesMultiplier(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.UpsertContracts(ctx, []*models.Contract{
		{Address: "terra1mint", Kind: models.ContractMint},
		{Address: "terra1collateraloracle", Kind: models.ContractCollateralOracle},
	}))
	chain := &queryChain{answers: map[string]string{
		`terra1mint {"asset_config":{"asset_token":"terra1masset"}}`:             `{"min_collateral_ratio":"1.5"}`,
		`terra1collateraloracle {"collateral_asset_info":{"asset":"terra1mir"}}`: `{"multiplier":"1.2"}`,
	}}
	f := NewFeeds(chain, store, "", 0, zaptest.NewLogger(t))

	r, ok := f.MinCollateralRatio(ctx, "terra1masset", "uusd")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("1.5").Equal(r))

	r, ok = f.MinCollateralRatio(ctx, "terra1masset", "terra1mir")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("1.8").Equal(r), r.String())

	_, ok = f.MinCollateralRatio(ctx, "terra1unknown", "uusd")
	assert.False(t, ok)
}
