package wdk

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for platform calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry; 2.0 doubles it.
	BackoffMultiplier float64
	// Jitter adds up to the given fraction of randomness to each delay.
	Jitter float64
}

// DefaultRetryConfig returns the platform call policy: five attempts with
// the delay before attempt n (n >= 2) being min(8, 2^(n-2)) seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// doRetry runs fn under the retry policy. Non-retryable failures return
// immediately; cancellation of ctx aborts without another attempt. When all
// attempts fail the result is an *ExhaustedError wrapping the last failure.
func doRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		// The caller may have been cancelled while the attempt ran; honor it
		// before sleeping.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, LastError: lastErr}
}

// backoffDelay computes the delay after the given attempt number (1-based).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}
