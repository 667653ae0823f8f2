package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txJSON(height uint64, hash string) string {
	return fmt.Sprintf(`{"height":"%d","txhash":"%s","timestamp":"2021-06-01T00:00:00Z","logs":[],"tx":{"value":{"msg":[],"fee":{"amount":[{"denom":"uusd","amount":"1500"}]},"memo":""}}}`, height, hash)
}

func TestLatestHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blocks/latest", r.URL.Path)
		_, _ = w.Write([]byte(`{"block":{"header":{"height":"4242"}}}`))
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	h, err := c.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), h)
}

func TestTxsInRangeDropsTruncatedTrailingHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("tx.minheight"))
		assert.Equal(t, "20", r.URL.Query().Get("tx.maxheight"))
		txs := []string{txJSON(10, "A"), txJSON(11, "B"), txJSON(12, "C")}
		_, _ = fmt.Fprintf(w, `{"page_number":"1","page_total":"2","txs":[%s]}`, strings.Join(txs, ","))
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	txs, err := c.TxsInRange(context.Background(), 10, 20, 3)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "A", txs[0].TxHash)
	assert.Equal(t, uint64(11), txs[1].Height)
	assert.Equal(t, "1500", txs[0].Fee[0].Amount)
}

func TestTxsInRangeReadsOversizedHeightCompletely(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var txs []string
		if page == "1" {
			txs = []string{txJSON(7, "A"), txJSON(7, "B")}
		} else {
			txs = []string{txJSON(7, "C")}
		}
		_, _ = fmt.Fprintf(w, `{"page_number":"%s","page_total":"2","txs":[%s]}`, page, strings.Join(txs, ","))
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	txs, err := c.TxsInRange(context.Background(), 7, 9, 2)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "C", txs[2].TxHash)
}

func TestDoJSONFallsBackToHealthyEndpoint(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"block":{"header":{"height":"9"}}}`))
	}))
	defer good.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{bad.URL, good.URL}, BreakerFailures: 1, BreakerCooldown: time.Minute})
	for i := 0; i < 3; i++ {
		h, err := c.LatestHeight(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(9), h)
	}
	// breaker opened after the first failure
	assert.Equal(t, int32(1), badHits.Load())
}

func TestContractStateNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"generic: mirror_mint::state::Position not found"}`))
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	_, err := Position(context.Background(), c, "terra1mint", "12", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContractStateDecodesPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wasm/contracts/terra1pair/store", r.URL.Path)
		var q map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("query_msg")), &q))
		require.Contains(t, q, "pool")
		require.Equal(t, "77", r.URL.Query().Get("height"))
		_, _ = w.Write([]byte(`{"height":"77","result":{"assets":[{"info":{"token":{"contract_addr":"terra1masset"}},"amount":"1000"},{"info":{"native_token":{"denom":"uusd"}},"amount":"5000"}],"total_share":"2200"}}`))
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	pool, err := Pool(context.Background(), c, "terra1pair", 77)
	require.NoError(t, err)
	asset, uusd := pool.Amounts("terra1masset")
	assert.True(t, decimal.NewFromInt(1000).Equal(asset))
	assert.True(t, decimal.NewFromInt(5000).Equal(uusd))
	assert.True(t, decimal.NewFromInt(2200).Equal(pool.TotalShare))
}

func TestNativeBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"height":"1","result":[{"denom":"uluna","amount":"3"},{"denom":"uusd","amount":"125"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}})
	bal, err := c.NativeBalance(context.Background(), "terra1user", "uusd")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(125).Equal(bal))
}
