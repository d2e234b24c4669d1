package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig bounds a retried operation. The defaults match the
// transcription policy: three attempts, one-second linear backoff, a
// thirty-second bound per attempt.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	// Zero selects 3.
	Attempts int

	// Backoff is multiplied by the attempt number to produce the pause
	// before the next try (1x, 2x, ...). Zero selects one second.
	Backoff time.Duration

	// AttemptTimeout bounds each individual attempt. Zero selects 30s.
	AttemptTimeout time.Duration

	// Retryable classifies errors; a false return stops retrying
	// immediately. Nil treats every error as retryable.
	Retryable func(error) bool

	// OnRetry, when set, is called before each backoff pause with the
	// just-failed attempt number (1-based) and its error. Callers hook
	// logging and retry counters here.
	OnRetry func(attempt int, err error)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Retry runs op until it succeeds, the attempts are exhausted, the error is
// classified non-retryable, or ctx is cancelled. Each attempt receives a
// context bounded by the per-attempt timeout; the backoff between attempts
// is linear in the attempt number.
func Retry[R any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (R, error)) (R, error) {
	cfg = cfg.withDefaults()

	var (
		zero    R
		lastErr error
	)
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		result, err := op(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}
		if attempt == cfg.Attempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		select {
		case <-time.After(time.Duration(attempt) * cfg.Backoff):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("resilience: %d attempts failed: %w", cfg.Attempts, lastErr)
}
