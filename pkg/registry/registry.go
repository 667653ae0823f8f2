// Package registry resolves chain addresses to the protocol contracts the indexer tracks.
package registry

import (
	"context"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// DefaultMissTTL bounds how long an unknown address is answered from the cache.
const DefaultMissTTL = time.Minute

type entry struct {
	contract *models.Contract
	at       time.Time
}

// Registry caches address lookups. Misses are cached too, for MissTTL, since most addresses on the chain
// are not protocol contracts; after that the store is asked again. Contracts registered by ingestion
// are added with Remember after their batch commits.
type Registry struct {
	store   ledger.ContractStore
	logger  *zap.Logger
	cache   *xsync.Map[string, entry]
	missTTL time.Duration
	now     func() time.Time
}

func New(store ledger.ContractStore, logger *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		logger:  logger,
		cache:   xsync.NewMap[string, entry](),
		missTTL: DefaultMissTTL,
		now:     time.Now,
	}
}

// Resolve returns the contract at address, or nil when the address is not tracked.
func (r *Registry) Resolve(ctx context.Context, address string) (*models.Contract, error) {
	now := r.now()
	if e, ok := r.cache.Load(address); ok && (e.contract != nil || now.Sub(e.at) < r.missTTL) {
		return e.contract, nil
	}
	c, err := r.store.GetContract(ctx, address)
	if err != nil {
		return nil, err
	}
	r.cache.Store(address, entry{contract: c, at: now})
	return c, nil
}

// Remember records committed contracts, replacing any cached miss.
func (r *Registry) Remember(contracts ...*models.Contract) {
	now := r.now()
	for _, c := range contracts {
		r.cache.Store(c.Address, entry{contract: c, at: now})
	}
}

// Warm loads every known contract into the cache.
func (r *Registry) Warm(ctx context.Context) error {
	contracts, err := r.store.ListContracts(ctx)
	if err != nil {
		return err
	}
	r.Remember(contracts...)
	r.logger.Info("Contract registry warmed", zap.Int("contracts", len(contracts)))
	return nil
}

// Reset drops the cache; the next lookups go to the store.
func (r *Registry) Reset() {
	r.cache.Clear()
}

// Size is the number of cached contracts, misses excluded.
func (r *Registry) Size() int {
	n := 0
	r.cache.Range(func(_ string, e entry) bool {
		if e.contract != nil {
			n++
		}
		return true
	})
	return n
}
