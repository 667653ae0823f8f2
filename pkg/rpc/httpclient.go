package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"github.com/shopspring/decimal"
)

// HTTPClient talks to one or more LCD endpoints with a token-bucket and a per-endpoint circuit-breaker.
type HTTPClient struct {
	endpoints []string
	client    *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire takes a token, waiting for a refill if the bucket is empty.
func (c *HTTPClient) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.AddInt64(&c.tokens, -1) >= 0 {
			return nil
		}
		atomic.AddInt64(&c.tokens, 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// isOpen returns true while the endpoint's breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// doJSON sends the request to the first endpoint whose breaker is closed and decodes the JSON body into out.
// Transport errors and 5xx responses count against the endpoint and fall through to the next one.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	lastErr := fmt.Errorf("all endpoints unavailable")
	for _, ep := range c.endpoints {
		if c.isOpen(ep) {
			continue
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}

		body := bytes.NewReader(nil)
		if payload != nil {
			b, mErr := json.Marshal(payload)
			if mErr != nil {
				return mErr
			}
			body = bytes.NewReader(b)
		}

		req, reqErr := http.NewRequestWithContext(ctx, method, ep+path, body)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode >= 400 && notFoundBody(resp.Body) {
			_ = utils.DrainAndClose(resp.Body)
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%s: server %d", ep, resp.StatusCode)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("%s%s: http %d", ep, path, resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				lastErr = fmt.Errorf("decode %s: %w", path, err)
				continue
			}
		}
		c.noteSuccess(ep)
		return utils.DrainAndClose(resp.Body)
	}

	return lastErr
}

// ErrNotFound is returned when the gateway reports the queried entity does not exist
// (contract queries surface this as an error body, not a 404).
var ErrNotFound = errors.New("not found")

func notFoundBody(r io.Reader) bool {
	b, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return bytes.Contains(bytes.ToLower(b), []byte("not found"))
}

// NewHTTPFromEnv builds a client from LCD_ENDPOINTS, RPC_RPS and RPC_BURST.
func NewHTTPFromEnv() *HTTPClient {
	return NewHTTPWithOpts(Opts{
		Endpoints:       utils.EnvList("LCD_ENDPOINTS", []string{"http://localhost:1317"}),
		RPS:             utils.EnvInt("RPC_RPS", 20),
		Burst:           utils.EnvInt("RPC_BURST", 40),
		BreakerFailures: 5,
		BreakerCooldown: 10 * time.Second,
	})
}

// LatestHeight returns the height of the latest block.
func (c *HTTPClient) LatestHeight(ctx context.Context) (uint64, error) {
	var out lcdLatestBlock
	if err := c.doJSON(ctx, http.MethodGet, latestBlockPath, nil, &out); err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(out.Block.Header.Height, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("latest block height %q: %w", out.Block.Header.Height, err)
	}
	return h, nil
}

func (c *HTTPClient) txPage(ctx context.Context, from, to uint64, limit, page int) ([]*Tx, int, error) {
	var out lcdTxPage
	if err := c.doJSON(ctx, http.MethodGet, txsInRangePath(from, to, limit, page), nil, &out); err != nil {
		return nil, 0, err
	}
	txs := make([]*Tx, 0, len(out.Txs))
	for i := range out.Txs {
		tx, err := out.Txs[i].toTx()
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	return txs, out.pageTotal(), nil
}

// TxsInRange returns the first page of transactions in [from, to]. When the page is truncated the
// transactions of the trailing height are dropped so the caller never commits half a block. A single
// height larger than limit is read completely.
func (c *HTTPClient) TxsInRange(ctx context.Context, from, to uint64, limit int) ([]*Tx, error) {
	if limit <= 0 {
		limit = 100
	}
	txs, pages, err := c.txPage(ctx, from, to, limit, 1)
	if err != nil {
		return nil, err
	}
	if pages <= 1 || len(txs) == 0 {
		return txs, nil
	}

	if trimmed := dropTrailingHeight(txs); len(trimmed) > 0 {
		return trimmed, nil
	}

	height := txs[0].Height
	all, pages, err := c.txPage(ctx, height, height, limit, 1)
	if err != nil {
		return nil, err
	}
	for p := 2; p <= pages; p++ {
		more, _, err := c.txPage(ctx, height, height, limit, p)
		if err != nil {
			return nil, err
		}
		all = append(all, more...)
	}
	return all, nil
}

func dropTrailingHeight(txs []*Tx) []*Tx {
	last := txs[len(txs)-1].Height
	i := len(txs)
	for i > 0 && txs[i-1].Height == last {
		i--
	}
	return txs[:i]
}

// ContractState runs a wasm smart query against address, pinned to height when height > 0.
func (c *HTTPClient) ContractState(ctx context.Context, address string, query any, height uint64) (json.RawMessage, error) {
	msg, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	var out lcdResult[json.RawMessage]
	if err := c.doJSON(ctx, http.MethodGet, contractStorePath(address, msg, height), nil, &out); err != nil {
		return nil, fmt.Errorf("contract %s: %w", address, err)
	}
	return out.Result, nil
}

// NativeBalance returns the bank balance of denom held by address, zero when absent.
func (c *HTTPClient) NativeBalance(ctx context.Context, address, denom string) (decimal.Decimal, error) {
	var out lcdResult[[]Coin]
	if err := c.doJSON(ctx, http.MethodGet, bankBalancesPath(address), nil, &out); err != nil {
		return decimal.Zero, err
	}
	for _, coin := range out.Result {
		if coin.Denom == denom {
			return decimal.NewFromString(coin.Amount)
		}
	}
	return decimal.Zero, nil
}
