package apperr

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries   int           // Retry attempts beyond the initial try (default: 3)
	InitialDelay time.Duration // Delay before first retry
	MaxDelay     time.Duration // Cap on the backoff delay
	Multiplier   float64       // Exponential backoff multiplier
	Jitter       float64       // Fraction of the delay randomized (0-1)
}

// DefaultRetryConfig returns the default retry configuration:
// 3 retries, 500ms initial delay doubling up to 8s, 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry executes fn with exponential backoff and jitter.
// Non-retryable errors abort immediately. Context cancellation is honored
// both between attempts and while waiting.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return err
			}
			if attempt >= cfg.MaxRetries {
				break
			}

			wait := delay
			if cfg.Jitter > 0 {
				spread := float64(delay) * cfg.Jitter
				wait = delay + time.Duration(rand.Float64()*spread-spread/2)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
