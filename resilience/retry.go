package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/maestroflow/maestro/core"
)

// RetryConfig configures per-agent retry behavior.
type RetryConfig struct {
	MaxAttempts            int
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	BackoffFactor          float64
	BackoffEnabled         bool
	JitterEnabled          bool
	RetryOnTimeout         bool
	RetryOnConnectionError bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:            3,
		InitialDelay:           100 * time.Millisecond,
		MaxDelay:               5 * time.Second,
		BackoffFactor:          2.0,
		BackoffEnabled:         true,
		JitterEnabled:          true,
		RetryOnTimeout:         true,
		RetryOnConnectionError: true,
	}
}

// Retryable decides whether a failed agent response warrants another
// attempt. Classification combines error-text substrings with the
// config toggles; a response that fails for any other reason is
// treated as a business failure and not retried.
func (c *RetryConfig) Retryable(errText string) bool {
	if errText == "" {
		return false
	}
	if c.RetryOnTimeout && core.IsTimeoutText(errText) {
		return true
	}
	if c.RetryOnConnectionError && core.IsConnectionText(errText) {
		return true
	}
	return false
}

// Delay returns the sleep before the given 1-based attempt number.
func (c *RetryConfig) Delay(attempt int) time.Duration {
	delay := c.InitialDelay
	if c.BackoffEnabled {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * c.BackoffFactor)
			if delay > c.MaxDelay {
				delay = c.MaxDelay
				break
			}
		}
	}
	if c.JitterEnabled {
		// Deterministic jitter spreads synchronized retries without
		// pulling in a random source (thundering herd mitigation).
		jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		delay += jitter
	}
	return delay
}

// Retry executes fn until it succeeds, returns a non-retryable error,
// or attempts exhaust. Sleeps honor context cancellation.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !config.Retryable(err.Error()) {
				return err
			}
		}

		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w",
		config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
