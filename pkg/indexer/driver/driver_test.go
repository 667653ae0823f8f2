package driver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger/memstore"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/dispatch"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/solvency"
	"github.com/mirror-protocol/mirrorx/pkg/redis"
	"github.com/mirror-protocol/mirrorx/pkg/registry"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	mintAddr = "terra1mint"
	tokenA   = "terra1tokena"
	user     = "terra1user"
)

type fakeChain struct {
	rpc.Client
	mu      sync.Mutex
	head    uint64
	txs     []*rpc.Tx
	headErr error
	calls   int
}

func (f *fakeChain) LatestHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeChain) TxsInRange(_ context.Context, from, to uint64, limit int) ([]*rpc.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []*rpc.Tx
	for _, tx := range f.txs {
		if tx.Height >= from && tx.Height <= to && len(out) < limit {
			out = append(out, tx)
		}
	}
	return out, nil
}

type fakeSolvency struct{ ticks int }

func (f *fakeSolvency) Tick(context.Context, time.Time) (solvency.Result, error) {
	f.ticks++
	return solvency.Result{Tier: solvency.TierTight}, nil
}

type fakeNotifier struct{ got []redis.BatchNotification }

func (f *fakeNotifier) PublishBatch(_ context.Context, n redis.BatchNotification) {
	f.got = append(f.got, n)
}

func openTx(t *testing.T, height uint64, idx string) *rpc.Tx {
	t.Helper()
	v, err := json.Marshal(map[string]any{
		"sender":      user,
		"contract":    mintAddr,
		"execute_msg": map[string]any{"open_position": map[string]any{}},
	})
	require.NoError(t, err)
	return &rpc.Tx{
		Height:    height,
		TxHash:    "OPEN" + idx,
		Timestamp: time.Unix(1_600_000_000+int64(height), 0).UTC(),
		Msgs:      []rpc.Msg{{Type: string(codec.MsgExecuteContract), Value: v}},
		Logs: []rpc.TxLog{{Events: []rpc.Event{{Type: "from_contract", Attributes: []rpc.Attribute{
			{Key: "contract_address", Value: mintAddr},
			{Key: "action", Value: "open_position"},
			{Key: "position_idx", Value: idx},
			{Key: "mint_amount", Value: "100" + tokenA},
			{Key: "collateral_amount", Value: "500uusd"},
		}}}}},
	}
}

// brokenTx carries a message with no log, which the codec rejects.
func brokenTx(t *testing.T, height uint64) *rpc.Tx {
	tx := openTx(t, height, "broken")
	tx.TxHash = "BROKEN"
	tx.Logs = nil
	return tx
}

type fixture struct {
	store    *memstore.Store
	chain    *fakeChain
	solvency *fakeSolvency
	notifier *fakeNotifier
	registry *registry.Registry
	driver   *Driver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.UpsertContracts(context.Background(), []*models.Contract{
		{Address: mintAddr, Kind: models.ContractMint},
		{Address: tokenA, Kind: models.ContractToken, Token: tokenA},
	}))
	logger := zaptest.NewLogger(t)
	reg := registry.New(store, logger)
	f := &fixture{
		store:    store,
		chain:    &fakeChain{},
		solvency: &fakeSolvency{},
		notifier: &fakeNotifier{},
		registry: reg,
	}
	f.driver = New(store, f.chain, dispatch.New(reg, logger), cfg, logger,
		WithSolvency(f.solvency),
		WithNotifier(f.notifier),
		WithContractCache(reg),
	)
	return f
}

func testConfig() Config {
	return Config{BatchSize: 100, FetchAttempts: 1}
}

func TestTickCommitsBatchAndAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.SetCheckpoint(9)
	f.chain.head = 12
	f.chain.txs = []*rpc.Tx{openTx(t, 10, "1"), openTx(t, 12, "2")}

	res, err := f.driver.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.From)
	assert.Equal(t, uint64(12), res.To)
	assert.Equal(t, 2, res.Txs)

	cp, err := f.store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cp)

	cdp, err := f.store.GetCdp(context.Background(), "2")
	require.NoError(t, err)
	require.NotNil(t, cdp)

	assert.Equal(t, 1, f.solvency.ticks)
	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, uint64(12), f.notifier.got[0].ToHeight)
	assert.Equal(t, res, *f.driver.Last())
}

func TestTickDecodeErrorRollsBackWholeBatch(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.SetCheckpoint(9)
	f.chain.head = 12
	f.chain.txs = []*rpc.Tx{openTx(t, 10, "1"), brokenTx(t, 11), openTx(t, 12, "2")}

	_, err := f.driver.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrMalformedLog))
	assert.Equal(t, "decode", Class(err))

	var txErr *dispatch.TxError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, uint64(11), txErr.Height)
	assert.Equal(t, "BROKEN", txErr.TxHash)

	cp, err := f.store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cp)

	for _, id := range []string{"1", "2"} {
		cdp, err := f.store.GetCdp(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, cdp)
	}
	txs, err := f.store.ListTxs(context.Background(), user, 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
	pos, err := f.store.GetAssetPosition(context.Background(), tokenA)
	require.NoError(t, err)
	assert.Nil(t, pos)

	assert.Zero(t, f.solvency.ticks)
	assert.Empty(t, f.notifier.got)
	assert.Nil(t, f.driver.Last())
}

func TestTickCaughtUpIsNoop(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.SetCheckpoint(20)
	f.chain.head = 20

	res, err := f.driver.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.CaughtUp)
	assert.Zero(t, f.chain.calls)
	assert.Zero(t, f.solvency.ticks)
}

func TestTickEmptyBatchKeepsCheckpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.SetCheckpoint(5)
	f.chain.head = 8
	writes := f.store.Writes()

	res, err := f.driver.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Equal(t, writes, f.store.Writes())

	cp, err := f.store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp)
}

func TestTickCheckpointIsMonotonic(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	f := newFixture(t, cfg)
	f.chain.head = 30
	f.chain.txs = []*rpc.Tx{openTx(t, 3, "1"), openTx(t, 7, "2"), openTx(t, 30, "3")}

	var seen []uint64
	for i := 0; i < 4; i++ {
		res, err := f.driver.Tick(context.Background())
		require.NoError(t, err)
		seen = append(seen, res.Checkpoint)
	}
	assert.Equal(t, []uint64{3, 7, 30, 30}, seen)
}

func TestStopHeightCapsHead(t *testing.T) {
	cfg := testConfig()
	cfg.StopHeight = 10
	f := newFixture(t, cfg)
	f.chain.head = 50
	f.chain.txs = []*rpc.Tx{openTx(t, 4, "1"), openTx(t, 12, "2")}

	require.NoError(t, f.driver.Run(context.Background()))

	cp, err := f.store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cp)
	cdp, err := f.store.GetCdp(context.Background(), "2")
	require.NoError(t, err)
	assert.Nil(t, cdp)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.headErr = errors.New("lcd down")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.driver.Run(ctx))
}

func TestClass(t *testing.T) {
	assert.Equal(t, "integrity", Class(&dispatch.TxError{Err: dispatch.ErrCdpNotFound}))
	assert.Equal(t, "checkpoint", Class(ErrCheckpointMoved))
	assert.Equal(t, "transient", Class(errors.New("connection reset")))
}
