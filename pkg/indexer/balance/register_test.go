package balance

import (
	"context"
	"testing"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger/memstore"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAlignsUusdWithChain(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	at := time.Unix(1_600_000_000, 0).UTC()
	require.NoError(t, store.InsertBalances(ctx, []*models.Balance{
		{Address: "terra1user", Token: "uusd", Balance: d("400"), AveragePrice: d("1"), Datetime: at},
	}))

	reg, err := Register(ctx, store, "terra1user", d("1000"), at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, reg.Account.IsAppUser)
	assert.True(t, d("600").Equal(reg.Adjustment))

	latest, err := store.LatestBalance(ctx, "terra1user", "uusd")
	require.NoError(t, err)
	assert.True(t, d("1000").Equal(latest.Balance))
	assert.True(t, d("1").Equal(latest.AveragePrice))

	acct, err := store.GetAccount(ctx, "terra1user")
	require.NoError(t, err)
	assert.True(t, acct.IsAppUser)
}

func TestRegisterTwiceAppendsNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	at := time.Unix(1_600_000_000, 0).UTC()

	_, err := Register(ctx, store, "terra1user", d("250"), at)
	require.NoError(t, err)
	before := store.Writes()

	reg, err := Register(ctx, store, "terra1user", d("250"), at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, reg.Adjustment.IsZero())
	assert.Equal(t, before, store.Writes())
	assert.Len(t, store.Balances("terra1user", "uusd"), 1)
}
