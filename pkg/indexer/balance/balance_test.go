package balance

import (
	"context"
	"testing"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type step struct {
	price, delta string
}

func run(steps []step) []models.Balance {
	var prev *models.Balance
	var out []models.Balance
	at := time.Unix(0, 0)
	for _, s := range steps {
		next := Next(prev, d(s.price), d(s.delta), at)
		out = append(out, next)
		prev = &out[len(out)-1]
	}
	return out
}

func TestNextWeightedAverageOnIncreases(t *testing.T) {
	hist := run([]step{{"10", "100"}, {"20", "100"}, {"40", "50"}})
	last := hist[len(hist)-1]

	// (10*100 + 20*100 + 40*50) / 250
	assert.True(t, d("250").Equal(last.Balance))
	assert.True(t, d("20").Equal(last.AveragePrice), last.AveragePrice.String())
}

func TestNextUnpricedDecreaseKeepsAverage(t *testing.T) {
	hist := run([]step{{"10", "100"}, {"0", "-40"}})
	assert.True(t, d("60").Equal(hist[1].Balance))
	assert.True(t, d("10").Equal(hist[1].AveragePrice))
}

func TestNextPricedDecreaseReblends(t *testing.T) {
	hist := run([]step{{"10", "100"}, {"20", "-50"}})
	// (10*100 + 20*-50) / 50
	assert.True(t, d("0").Equal(hist[1].AveragePrice))

	hist = run([]step{{"10", "100"}, {"5", "-50"}})
	// (1000 - 250) / 50
	assert.True(t, d("15").Equal(hist[1].AveragePrice))
}

func TestNextCrossingZeroResets(t *testing.T) {
	hist := run([]step{{"10", "100"}, {"0", "-100"}, {"30", "10"}})
	assert.True(t, hist[1].Balance.IsZero())
	assert.True(t, hist[1].AveragePrice.IsZero())

	// after the reset only the new leg counts
	assert.True(t, d("30").Equal(hist[2].AveragePrice))

	hist = run([]step{{"10", "100"}, {"12", "-150"}})
	assert.True(t, d("-50").Equal(hist[1].Balance))
	assert.True(t, hist[1].AveragePrice.IsZero())
}

func TestNextFirstSnapshot(t *testing.T) {
	b := Next(nil, decimal.Zero, d("5"), time.Unix(1, 0))
	assert.True(t, d("5").Equal(b.Balance))
	assert.True(t, b.AveragePrice.IsZero())
}

type fakeSource struct {
	appUsers map[string]bool
	rows     []models.Balance
}

func (f *fakeSource) IsAppUser(_ context.Context, address string) (bool, error) {
	return f.appUsers[address], nil
}

func (f *fakeSource) LatestBalance(_ context.Context, address, token string) (*models.Balance, error) {
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].Address == address && f.rows[i].Token == token {
			b := f.rows[i]
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeSource) AppendBalance(_ context.Context, b *models.Balance) error {
	f.rows = append(f.rows, *b)
	return nil
}

func TestApplyDeltaOnlyForAppUsers(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{appUsers: map[string]bool{"user": true}}
	var l Ledger

	ok, err := l.ApplyDelta(ctx, src, "stranger", "uusd", d("1"), d("10"), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	for _, delta := range []string{"10", "-4", "0"} {
		_, err := l.ApplyDelta(ctx, src, "user", "uusd", d("1"), d(delta), time.Now())
		require.NoError(t, err)
	}

	require.Len(t, src.rows, 3)
	assert.Equal(t, "user", src.rows[1].Address)
	assert.Equal(t, "uusd", src.rows[1].Token)
	assert.True(t, d("6").Equal(src.rows[1].Balance))
	assert.True(t, d("10").Equal(src.rows[0].Balance), "earlier snapshots stay untouched")
}

func TestApplyDeltaZeroStillAppends(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{appUsers: map[string]bool{"user": true}}
	var l Ledger

	_, err := l.ApplyDelta(ctx, src, "user", "mA", d("4"), d("10"), time.Unix(1, 0))
	require.NoError(t, err)
	ok, err := l.ApplyDelta(ctx, src, "user", "mA", d("9"), decimal.Zero, time.Unix(2, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, src.rows, 2)
	assert.True(t, d("10").Equal(src.rows[1].Balance))
	assert.True(t, d("4").Equal(src.rows[1].AveragePrice), src.rows[1].AveragePrice.String())
	assert.Equal(t, time.Unix(2, 0), src.rows[1].Datetime)
}
