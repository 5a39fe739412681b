package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Default retry parameters for transient error kinds.
const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 250 * time.Millisecond
	defaultJitter      = 0.20
)

// ErrRetriesExhausted wraps the last error after all retry attempts failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig controls [Retry] behaviour.
type RetryConfig struct {
	// Name labels the operation in log messages.
	Name string

	// MaxAttempts is the total number of calls including the first one.
	// Default: 5.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles on each
	// subsequent attempt. Default: 250ms.
	BaseDelay time.Duration

	// Jitter is the fractional randomisation applied to each delay
	// (0.20 means ±20%). Default: 0.20.
	Jitter float64

	// Retryable reports whether an error is worth retrying. A nil predicate
	// retries every error.
	Retryable func(error) bool
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempt budget is exhausted, or ctx is cancelled. Delays between attempts
// grow exponentially from BaseDelay with ±Jitter randomisation.
//
// On budget exhaustion the returned error wraps both [ErrRetriesExhausted]
// and the last error from fn, so callers can match either.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = defaultJitter
	}

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Debug("retrying after transient error",
			"op", cfg.Name,
			"attempt", attempt,
			"delay", delay,
			"err", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(delay, cfg.Jitter)):
		}
		delay *= 2
	}

	return errors.Join(ErrRetriesExhausted, lastErr)
}

// withJitter spreads d uniformly across [d*(1-j), d*(1+j)].
func withJitter(d time.Duration, j float64) time.Duration {
	spread := 1 - j + 2*j*rand.Float64()
	return time.Duration(float64(d) * spread)
}
