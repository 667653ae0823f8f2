package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mirror-protocol/mirrorx/app/indexer/types"
	"github.com/mirror-protocol/mirrorx/pkg/db/ledger/memstore"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockChain answers only the queries the handlers make.
type mockChain struct {
	rpc.Client
	head    uint64
	headErr error
	uusd    map[string]decimal.Decimal
}

func (m *mockChain) LatestHeight(context.Context) (uint64, error) { return m.head, m.headErr }

func (m *mockChain) NativeBalance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	return m.uusd[address], nil
}

const testToken = "test-token"

func setupTestController(t *testing.T) (*Controller, *memstore.Store, *mockChain) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memstore.New()
	chain := &mockChain{head: 120, uusd: map[string]decimal.Decimal{}}
	app := &types.App{
		Store:  store,
		Chain:  chain,
		Logger: logger,
	}
	hash, err := utils.HashOrRead("s3cret")
	require.NoError(t, err)
	return &Controller{
		App:        app,
		AdminToken: testToken,
		AuthUser:   "admin",
		AuthHash:   hash,
		JWTSecret:  []byte("test-secret"),
	}, store, chain
}

func serve(t *testing.T, c *Controller, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router, err := c.NewRouter()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func authed(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestHealthAndReadiness(t *testing.T) {
	c, _, chain := setupTestController(t)

	rec := serve(t, c, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, c, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	chain.headErr = errors.New("lcd down")
	rec = serve(t, c, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "lcd down")
}

func TestApiRequiresAuth(t *testing.T) {
	c, _, _ := setupTestController(t)

	rec := serve(t, c, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = serve(t, c, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginIssuesSession(t *testing.T) {
	c, _, _ := setupTestController(t)

	rec := serve(t, c, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"admin","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, c, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"admin","password":"s3cret"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(cookies[0])
	rec = serve(t, c, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, c, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatusReportsLag(t *testing.T) {
	c, store, chain := setupTestController(t)
	store.SetCheckpoint(100)

	rec := serve(t, c, authed(http.MethodGet, "/api/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var out statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, uint64(100), out.Checkpoint)
	assert.Equal(t, uint64(120), out.Head)
	assert.Equal(t, uint64(20), out.Lag)
	assert.Nil(t, out.LastBatch)

	// the head is best effort
	chain.headErr = errors.New("timeout")
	rec = serve(t, c, authed(http.MethodGet, "/api/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Zero(t, out.Head)
}

func TestRegisterAccount(t *testing.T) {
	c, store, chain := setupTestController(t)
	chain.uusd["terra1user"] = decimal.RequireFromString("2500")

	rec := serve(t, c, authed(http.MethodPost, "/api/accounts", `{"address":"terra1user"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acct, err := store.GetAccount(context.Background(), "terra1user")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.True(t, acct.IsAppUser)

	snaps := store.Balances("terra1user", "uusd")
	require.Len(t, snaps, 1)
	assert.True(t, decimal.RequireFromString("2500").Equal(snaps[0].Balance))

	// unchanged chain balance appends nothing
	rec = serve(t, c, authed(http.MethodPost, "/api/accounts", `{"address":"terra1user"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.Balances("terra1user", "uusd"), 1)
}

func TestRegisterAccountRejectsBadInput(t *testing.T) {
	c, _, _ := setupTestController(t)

	rec := serve(t, c, authed(http.MethodPost, "/api/accounts", `{"address":"cosmos1abc"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, c, authed(http.MethodPost, "/api/accounts", `{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileInline(t *testing.T) {
	c, store, chain := setupTestController(t)
	c.App.Pass = reconcile.New(store, chain, 2, zaptest.NewLogger(t), nil)

	rec := serve(t, c, authed(http.MethodPost, "/api/reconcile", `{"assets":true}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out types.ReconcileTrigger
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotNil(t, out.Report)
	assert.Equal(t, uint64(120), out.Report.Height)
	assert.Empty(t, out.WorkflowID)

	rec = serve(t, c, authed(http.MethodPost, "/api/reconcile", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileUnavailable(t *testing.T) {
	c, _, _ := setupTestController(t)

	rec := serve(t, c, authed(http.MethodPost, "/api/reconcile", ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
