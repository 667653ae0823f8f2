package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFixedConfigRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), FixedConfig(3, time.Millisecond), zaptest.NewLogger(t), "fetch", func() error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithBackoffGivesUp(t *testing.T) {
	boom := errors.New("unavailable")
	err := WithBackoff(context.Background(), FixedConfig(2, time.Millisecond), zaptest.NewLogger(t), "fetch", func() error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestWithBackoffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithBackoff(ctx, FixedConfig(5, time.Hour), zaptest.NewLogger(t), "fetch", func() error {
		return errors.New("never")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, calculateBackoff(cfg, 1))
	require.Equal(t, 4*time.Second, calculateBackoff(cfg, 5))
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	gone := errors.New("pruned")
	calls := 0
	err := WithBackoff(context.Background(), FixedConfig(5, time.Millisecond), zaptest.NewLogger(t), "fetch", func() error {
		calls++
		return Permanent(gone)
	})
	require.ErrorIs(t, err, gone)
	require.True(t, IsPermanent(err))
	require.Equal(t, 1, calls)
	require.NoError(t, Permanent(nil))
}
