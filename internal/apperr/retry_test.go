package apperr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps test wall time negligible.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	// Given: a function that fails twice with a retryable kind
	calls := 0

	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		if calls < 3 {
			return Unavailable("provider down")
		}
		return nil
	})

	// Then: the third attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return InvalidInput("bad request")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	// Given: a permanently unavailable provider
	calls := 0

	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return Unavailable("still down")
	})

	// Then: initial try plus MaxRetries, wrapping the last error
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "failed after 3 retries")
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestRetry_ContextCancellation(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(), func() error {
		return Unavailable("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_CancellationDuringBackoff(t *testing.T) {
	cfg := fastRetry()
	cfg.InitialDelay = time.Minute // forces the wait path

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Retry(ctx, cfg, func() error {
		return Unavailable("down")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 8*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 0.2, cfg.Jitter)
}
