// Package uow holds the working set of one ingestion batch. Handlers read and mutate entities here;
// Flush writes the result once, inside the batch transaction.
package uow

import (
	"context"
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
)

type balanceKey struct {
	address string
	token   string
}

// Work must be used from a single goroutine with a ctx that carries the batch transaction.
type Work struct {
	store ledger.Store

	contracts map[string]*models.Contract
	assets    map[string]*models.Asset

	cdps     map[string]*models.Cdp
	cdpOrder []string

	deltas     map[string]*models.AssetPositionDelta
	deltaOrder []string

	txs      []*models.Tx
	balances []*models.Balance
	latest   map[balanceKey]*models.Balance

	accounts map[string]*models.Account
	fees     map[string]bool
}

func New(store ledger.Store) *Work {
	return &Work{
		store:     store,
		contracts: make(map[string]*models.Contract),
		assets:    make(map[string]*models.Asset),
		cdps:      make(map[string]*models.Cdp),
		deltas:    make(map[string]*models.AssetPositionDelta),
		latest:    make(map[balanceKey]*models.Balance),
		accounts:  make(map[string]*models.Account),
		fees:      make(map[string]bool),
	}
}

// Contract returns a contract registered earlier in this batch, or nil.
func (w *Work) Contract(address string) *models.Contract {
	return w.contracts[address]
}

func (w *Work) AddContract(c *models.Contract) {
	w.contracts[c.Address] = c
}

// Contracts lists the contracts registered in this batch.
func (w *Work) Contracts() []*models.Contract {
	out := make([]*models.Contract, 0, len(w.contracts))
	for _, c := range w.contracts {
		out = append(out, c)
	}
	return out
}

// Asset looks in the batch first, then in the store. A missing asset is (nil, nil).
func (w *Work) Asset(ctx context.Context, token string) (*models.Asset, error) {
	if a, ok := w.assets[token]; ok {
		return a, nil
	}
	return w.store.GetAsset(ctx, token)
}

func (w *Work) AddAsset(a *models.Asset) {
	w.assets[a.Token] = a
}

// Cdp returns the working copy of a CDP, loading and row-locking it on first use. A missing CDP is (nil, nil).
func (w *Work) Cdp(ctx context.Context, id string) (*models.Cdp, error) {
	if c, ok := w.cdps[id]; ok {
		return c, nil
	}
	c, err := w.store.GetCdpForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load cdp %s: %w", id, err)
	}
	if c == nil {
		return nil, nil
	}
	w.track(c)
	return c, nil
}

// CreateCdp adds a new position to the working set.
func (w *Work) CreateCdp(c *models.Cdp) {
	c.Status = models.CdpOpen
	w.track(c)
}

func (w *Work) track(c *models.Cdp) {
	if _, ok := w.cdps[c.ID]; !ok {
		w.cdpOrder = append(w.cdpOrder, c.ID)
	}
	w.cdps[c.ID] = c
}

// AddPosition accumulates an asset position delta. A zero delta still ensures the row exists.
func (w *Work) AddPosition(d models.AssetPositionDelta) {
	cur, ok := w.deltas[d.Token]
	if !ok {
		cur = &models.AssetPositionDelta{Token: d.Token}
		w.deltas[d.Token] = cur
		w.deltaOrder = append(w.deltaOrder, d.Token)
	}
	cur.Add(d)
}

// Position returns the delta accumulated for token so far.
func (w *Work) Position(token string) models.AssetPositionDelta {
	if d, ok := w.deltas[token]; ok {
		return *d
	}
	return models.AssetPositionDelta{Token: token}
}

func (w *Work) AddTx(tx *models.Tx) {
	w.txs = append(w.txs, tx)
}

func (w *Work) Txs() []*models.Tx { return w.txs }

// Account returns the cached account row, or nil for an address the indexer does not track.
func (w *Work) Account(ctx context.Context, address string) (*models.Account, error) {
	if a, ok := w.accounts[address]; ok {
		return a, nil
	}
	a, err := w.store.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	w.accounts[address] = a
	return a, nil
}

// IsAppUser reports whether balance history is kept for address.
func (w *Work) IsAppUser(ctx context.Context, address string) (bool, error) {
	a, err := w.Account(ctx, address)
	if err != nil {
		return false, err
	}
	return a != nil && a.IsAppUser, nil
}

func (w *Work) LatestBalance(ctx context.Context, address, token string) (*models.Balance, error) {
	if b, ok := w.latest[balanceKey{address, token}]; ok {
		return b, nil
	}
	return w.store.LatestBalance(ctx, address, token)
}

func (w *Work) AppendBalance(_ context.Context, b *models.Balance) error {
	w.balances = append(w.balances, b)
	w.latest[balanceKey{b.Address, b.Token}] = b
	return nil
}

// ChargeFee returns true the first time it sees txHash; the caller debits the fee only then.
func (w *Work) ChargeFee(txHash string) bool {
	if w.fees[txHash] {
		return false
	}
	w.fees[txHash] = true
	return true
}

// Empty reports whether Flush would write nothing.
func (w *Work) Empty() bool {
	return len(w.contracts) == 0 && len(w.assets) == 0 && len(w.cdps) == 0 &&
		len(w.deltas) == 0 && len(w.txs) == 0 && len(w.balances) == 0
}

// Flush writes the working set. Call it once, inside the batch transaction.
func (w *Work) Flush(ctx context.Context) error {
	if len(w.contracts) > 0 {
		if err := w.store.UpsertContracts(ctx, w.Contracts()); err != nil {
			return fmt.Errorf("flush contracts: %w", err)
		}
	}
	if len(w.assets) > 0 {
		assets := make([]*models.Asset, 0, len(w.assets))
		for _, a := range w.assets {
			assets = append(assets, a)
		}
		if err := w.store.UpsertAssets(ctx, assets); err != nil {
			return fmt.Errorf("flush assets: %w", err)
		}
	}
	if len(w.cdpOrder) > 0 {
		cdps := make([]*models.Cdp, 0, len(w.cdpOrder))
		for _, id := range w.cdpOrder {
			cdps = append(cdps, w.cdps[id])
		}
		if err := w.store.SaveCdpAmounts(ctx, cdps); err != nil {
			return fmt.Errorf("flush cdps: %w", err)
		}
	}
	if len(w.deltaOrder) > 0 {
		deltas := make([]models.AssetPositionDelta, 0, len(w.deltaOrder))
		for _, token := range w.deltaOrder {
			deltas = append(deltas, *w.deltas[token])
		}
		if err := w.store.ApplyAssetPositionDeltas(ctx, deltas); err != nil {
			return fmt.Errorf("flush asset positions: %w", err)
		}
	}
	if len(w.txs) > 0 {
		if err := w.store.InsertTxs(ctx, w.txs); err != nil {
			return fmt.Errorf("flush txs: %w", err)
		}
	}
	if len(w.balances) > 0 {
		if err := w.store.InsertBalances(ctx, w.balances); err != nil {
			return fmt.Errorf("flush balances: %w", err)
		}
	}
	return nil
}
