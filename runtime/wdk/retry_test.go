package wdk

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// TestBackoffDelayGrowth pins the default policy: the delay after attempt n
// is min(8, 2^(n-1)) seconds.
func TestBackoffDelayGrowth(t *testing.T) {
	cfg := DefaultRetryConfig()
	require.Equal(t, time.Second, backoffDelay(cfg, 1))
	require.Equal(t, 2*time.Second, backoffDelay(cfg, 2))
	require.Equal(t, 4*time.Second, backoffDelay(cfg, 3))
	require.Equal(t, 8*time.Second, backoffDelay(cfg, 4))
	require.Equal(t, 8*time.Second, backoffDelay(cfg, 5))
	require.Equal(t, 8*time.Second, backoffDelay(cfg, 9))
}

func TestBackoffDelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay doubles and caps without jitter", prop.ForAll(
		func(attempt int) bool {
			cfg := DefaultRetryConfig()
			want := time.Duration(float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt-1)))
			if want > cfg.MaxBackoff {
				want = cfg.MaxBackoff
			}
			return backoffDelay(cfg, attempt) == want
		},
		gen.IntRange(1, 12),
	))

	properties.Property("jitter stays within the configured fraction", prop.ForAll(
		func(attempt int) bool {
			base := backoffDelay(DefaultRetryConfig(), attempt)
			cfg := DefaultRetryConfig()
			cfg.Jitter = 0.2
			d := backoffDelay(cfg, attempt)
			lo := time.Duration(float64(base) * 0.8)
			hi := time.Duration(float64(base) * 1.2)
			return d >= lo && d <= hi
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

// TestDoRetryStopsOnTerminalError verifies non-retryable failures return
// immediately.
func TestDoRetryStopsOnTerminalError(t *testing.T) {
	attempts := 0
	err := doRetry(context.Background(), fastRetry(5), func(context.Context) error {
		attempts++
		return &Error{Status: http.StatusBadRequest, Message: "bad request"}
	})
	require.Equal(t, 1, attempts)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, http.StatusBadRequest, werr.Status)
}

// TestDoRetryExhaustsAttempts verifies persistent transient failures use
// every attempt and wrap the last one.
func TestDoRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := doRetry(context.Background(), fastRetry(3), func(context.Context) error {
		attempts++
		return &Error{Status: http.StatusServiceUnavailable, Message: "unavailable"}
	})
	require.Equal(t, 3, attempts)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 3, ex.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
}

// TestDoRetryHonorsCancellation verifies a context canceled during an attempt
// stops the loop before the next one.
func TestDoRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := doRetry(ctx, fastRetry(5), func(context.Context) error {
		attempts++
		cancel()
		return &Error{Status: http.StatusServiceUnavailable, Message: "unavailable"}
	})
	require.Equal(t, 1, attempts)
	require.ErrorIs(t, err, context.Canceled)
}

// TestDoRetryZeroAttemptsRunsOnce verifies the zero config still makes the
// initial attempt.
func TestDoRetryZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := doRetry(context.Background(), RetryConfig{}, func(context.Context) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"connect failure", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"protocol error", &Error{Message: "truncated body"}, true},
		{"rate limited", &Error{Status: http.StatusTooManyRequests}, true},
		{"server error", &Error{Status: http.StatusInternalServerError}, true},
		{"bad gateway", &Error{Status: http.StatusBadGateway}, true},
		{"unavailable", &Error{Status: http.StatusServiceUnavailable}, true},
		{"gateway timeout", &Error{Status: http.StatusGatewayTimeout}, true},
		{"bad request", &Error{Status: http.StatusBadRequest}, false},
		{"not found", &Error{Status: http.StatusNotFound}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
