// Package memstore is an in-process ledger.Store. It backs unit tests and STORE_DRIVER=memory dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/shopspring/decimal"
)

type txKey struct{}

type state struct {
	checkpoint uint64
	contracts  map[string]models.Contract
	assets     map[string]models.Asset
	positions  map[string]models.AssetPosition
	cdps       map[string]models.Cdp
	accounts   map[string]models.Account
	balances   []models.Balance
	txs        []models.Tx
	nextID     int64
}

func (s *state) clone() *state {
	out := &state{
		checkpoint: s.checkpoint,
		contracts:  make(map[string]models.Contract, len(s.contracts)),
		assets:     make(map[string]models.Asset, len(s.assets)),
		positions:  make(map[string]models.AssetPosition, len(s.positions)),
		cdps:       make(map[string]models.Cdp, len(s.cdps)),
		accounts:   make(map[string]models.Account, len(s.accounts)),
		balances:   append([]models.Balance(nil), s.balances...),
		txs:        append([]models.Tx(nil), s.txs...),
		nextID:     s.nextID,
	}
	for k, v := range s.contracts {
		out.contracts[k] = v
	}
	for k, v := range s.assets {
		out.assets[k] = v
	}
	for k, v := range s.positions {
		out.positions[k] = v
	}
	for k, v := range s.cdps {
		out.cdps[k] = v
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	return out
}

// Store keeps everything in maps. Transactions are serialized and roll back by restoring a snapshot.
// Writes made outside InTx wait for a running transaction, so a rollback never discards them.
type Store struct {
	txMu sync.Mutex // held for the whole of InTx
	mu   sync.Mutex // guards st
	st   *state

	writes int
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: (&state{}).clone()}
}

// Writes counts mutating calls that changed stored state.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	writes := s.writes
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.writes = writes
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) serialize(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) Checkpoint(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.checkpoint, nil
}

func (s *Store) LockCheckpoint(ctx context.Context) (uint64, error) {
	if ctx.Value(txKey{}) == nil {
		return 0, fmt.Errorf("lock checkpoint outside transaction")
	}
	return s.Checkpoint(ctx)
}

func (s *Store) SaveCheckpoint(ctx context.Context, height uint64) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.st.checkpoint {
		s.st.checkpoint = height
		s.writes++
	}
	return nil
}

// SetCheckpoint forces the checkpoint, for test setup.
func (s *Store) SetCheckpoint(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.checkpoint = height
}

func (s *Store) GetContract(_ context.Context, address string) (*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.contracts[address]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) ListContracts(_ context.Context) ([]*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Contract, 0, len(s.st.contracts))
	for _, c := range s.st.contracts {
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) FindContract(ctx context.Context, kind models.ContractKind, token string) (*models.Contract, error) {
	all, _ := s.ListContracts(ctx)
	for _, c := range all {
		if c.Kind == kind && c.Token == token {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%s contract for %q: %w", kind, token, ledger.ErrNotFound)
}

func (s *Store) UpsertContracts(ctx context.Context, contracts []*models.Contract) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contracts {
		s.st.contracts[c.Address] = *c
		s.writes++
	}
	return nil
}

func (s *Store) GetAsset(_ context.Context, token string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.assets[token]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) ListAssets(_ context.Context, statuses ...models.AssetStatus) ([]*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Asset, 0, len(s.st.assets))
	for _, a := range s.st.assets {
		if len(statuses) > 0 && !hasStatus(statuses, a.Status) {
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func hasStatus(statuses []models.AssetStatus, s models.AssetStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s *Store) UpsertAssets(ctx context.Context, assets []*models.Asset) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assets {
		s.st.assets[a.Token] = *a
		s.writes++
	}
	return nil
}

func (s *Store) GetAssetPosition(_ context.Context, token string) (*models.AssetPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.positions[token]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ApplyAssetPositionDeltas(ctx context.Context, deltas []models.AssetPositionDelta) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		p, ok := s.st.positions[d.Token]
		if !ok {
			p = *models.NewAssetPosition(d.Token)
		}
		p.Apply(d)
		s.st.positions[d.Token] = p
		s.writes++
	}
	return nil
}

func (s *Store) SaveAssetPosition(ctx context.Context, p *models.AssetPosition) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.positions[p.Token]
	if !ok {
		cur = *models.NewAssetPosition(p.Token)
	}
	cur.Pool, cur.UusdPool, cur.LPShares, cur.LPStaked = p.Pool, p.UusdPool, p.LPShares, p.LPStaked
	s.st.positions[p.Token] = cur
	s.writes++
	return nil
}

func (s *Store) SaveAssetAggregates(ctx context.Context, token string, mint, asCollateral decimal.Decimal) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.positions[token]
	if !ok {
		cur = *models.NewAssetPosition(token)
	}
	cur.Mint, cur.AsCollateral = mint, asCollateral
	s.st.positions[token] = cur
	s.writes++
	return nil
}

// SetAssetPosition stores p verbatim, for test setup.
func (s *Store) SetAssetPosition(p *models.AssetPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.positions[p.Token] = *p
}

func (s *Store) GetCdp(_ context.Context, id string) (*models.Cdp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.cdps[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

// GetCdpForUpdate is GetCdp; transactions are already serialized.
func (s *Store) GetCdpForUpdate(ctx context.Context, id string) (*models.Cdp, error) {
	return s.GetCdp(ctx, id)
}

func (s *Store) ListCdps(_ context.Context) ([]*models.Cdp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Cdp, 0, len(s.st.cdps))
	for _, c := range s.st.cdps {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveCdpAmounts(ctx context.Context, cdps []*models.Cdp) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cdps {
		cur, ok := s.st.cdps[c.ID]
		if !ok {
			s.st.cdps[c.ID] = *c
			s.writes++
			continue
		}
		cur.Address, cur.Token, cur.CollateralToken = c.Address, c.Token, c.CollateralToken
		cur.MintAmount, cur.CollateralAmount, cur.IsShort, cur.Status = c.MintAmount, c.CollateralAmount, c.IsShort, c.Status
		s.st.cdps[c.ID] = cur
		s.writes++
	}
	return nil
}

func (s *Store) SaveCdp(ctx context.Context, c *models.Cdp) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.cdps[c.ID]
	if !ok {
		s.st.cdps[c.ID] = *c
		s.writes++
		return nil
	}
	cur.Address, cur.Token, cur.CollateralToken, cur.IsShort = c.Address, c.Token, c.CollateralToken, c.IsShort
	cur.MintAmount, cur.CollateralAmount, cur.MinCollateralRatio, cur.Status = c.MintAmount, c.CollateralAmount, c.MinCollateralRatio, c.Status
	s.st.cdps[c.ID] = cur
	s.writes++
	return nil
}

// PutCdp stores c verbatim, for test setup.
func (s *Store) PutCdp(c *models.Cdp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.cdps[c.ID] = *c
}

func (s *Store) DeleteCdp(ctx context.Context, id string) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.cdps[id]; ok {
		delete(s.st.cdps, id)
		s.writes++
	}
	return nil
}

func (s *Store) ListCdpsWithoutMinRatio(ctx context.Context) ([]*models.Cdp, error) {
	all, _ := s.ListCdps(ctx)
	var out []*models.Cdp
	for _, c := range all {
		if c.MinCollateralRatio.IsZero() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) SetMinCollateralRatio(ctx context.Context, id string, ratio decimal.Decimal) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.cdps[id]
	if !ok {
		return nil
	}
	c.MinCollateralRatio = ratio
	s.st.cdps[id] = c
	s.writes++
	return nil
}

func (s *Store) DeleteClosedCdps(ctx context.Context) (int64, error) {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.st.cdps {
		if c.Closed() {
			delete(s.st.cdps, id)
			n++
		}
	}
	if n > 0 {
		s.writes++
	}
	return n, nil
}

func nearLiquidation(c models.Cdp, f ledger.CdpFilter) bool {
	if f.Threshold == nil {
		return true
	}
	return c.CollateralRatio.Sub(c.MinCollateralRatio).LessThan(*f.Threshold)
}

func (s *Store) UpdateMintValues(ctx context.Context, token string, price decimal.Decimal, f ledger.CdpFilter) (int64, error) {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.st.cdps {
		if c.Token != token || !c.MintAmount.IsPositive() || !nearLiquidation(c, f) {
			continue
		}
		c.MintValue = c.MintAmount.Mul(price)
		s.st.cdps[id] = c
		n++
	}
	s.writes += int(n)
	return n, nil
}

func (s *Store) UpdateCollateralValues(ctx context.Context, collateralToken string, price decimal.Decimal, f ledger.CdpFilter) (int64, error) {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.st.cdps {
		if c.CollateralToken != collateralToken || !c.CollateralAmount.IsPositive() || !c.MintValue.IsPositive() || !nearLiquidation(c, f) {
			continue
		}
		c.CollateralValue = c.CollateralAmount.Mul(price)
		s.st.cdps[id] = c
		n++
	}
	s.writes += int(n)
	return n, nil
}

func (s *Store) UpdateCollateralRatios(ctx context.Context, f ledger.CdpFilter) (int64, error) {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.st.cdps {
		if !c.CollateralValue.IsPositive() || !c.MintValue.IsPositive() || !nearLiquidation(c, f) {
			continue
		}
		c.CollateralRatio = c.CollateralValue.Div(c.MintValue)
		s.st.cdps[id] = c
		n++
	}
	s.writes += int(n)
	return n, nil
}

func (s *Store) GetAccount(_ context.Context, address string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[address]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) UpsertAccount(ctx context.Context, a *models.Account) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.accounts[a.Address] = *a
	s.writes++
	return nil
}

func (s *Store) ListAppUsers(_ context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Account
	for _, a := range s.st.accounts {
		if a.IsAppUser {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) LatestBalance(ctx context.Context, address, token string) (*models.Balance, error) {
	return s.BalanceAt(ctx, address, token, time.Time{})
}

// BalanceAt returns the last snapshot written at or before at; a zero at means latest.
func (s *Store) BalanceAt(_ context.Context, address, token string, at time.Time) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.st.balances) - 1; i >= 0; i-- {
		b := s.st.balances[i]
		if b.Address != address || b.Token != token {
			continue
		}
		if !at.IsZero() && b.Datetime.After(at) {
			continue
		}
		return &b, nil
	}
	return nil, nil
}

func (s *Store) InsertBalances(ctx context.Context, balances []*models.Balance) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range balances {
		s.st.nextID++
		b.ID = s.st.nextID
		s.st.balances = append(s.st.balances, *b)
		s.writes++
	}
	return nil
}

// Balances returns the whole snapshot history of (address, token) in insertion order.
func (s *Store) Balances(address, token string) []models.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Balance
	for _, b := range s.st.balances {
		if b.Address == address && b.Token == token {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) InsertTxs(ctx context.Context, txs []*models.Tx) error {
	defer s.serialize(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range txs {
		s.st.nextID++
		tx.ID = s.st.nextID
		s.st.txs = append(s.st.txs, *tx)
		s.writes++
	}
	return nil
}

// ListTxs returns the newest records first; an empty address lists every account.
func (s *Store) ListTxs(_ context.Context, address string, limit int) ([]*models.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*models.Tx{}
	for i := len(s.st.txs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		tx := s.st.txs[i]
		if address != "" && tx.Address != address {
			continue
		}
		out = append(out, &tx)
	}
	return out, nil
}
