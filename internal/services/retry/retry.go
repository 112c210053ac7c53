package retry

import (
	"context"
	"math/rand"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Config controls exponential backoff.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// Retryable classifies errors; nil means every error is retryable.
	Retryable func(error) bool
}

// DefaultConfig matches the backoff used around flaky upstream calls:
// min(base*2^attempt, cap) scaled by (0.5 + rand).
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is
// classified permanent, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Delay(cfg, attempt)
		fiberlog.Warnf("%s attempt %d failed: %v, retrying in %v", op, attempt+1, lastErr, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	fiberlog.Errorf("%s failed after %d attempts: %v", op, cfg.MaxAttempts, lastErr)
	return lastErr
}

// Delay computes the backoff for the given zero-based attempt:
// min(base*2^attempt, cap), scaled by (0.5 + rand) when Jitter is set.
func Delay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}
	return delay
}
