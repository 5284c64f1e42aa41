package wdk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a terminal platform failure: the platform responded with a
// non-success status that retries cannot fix, or retries were not applicable.
type Error struct {
	// Status is the HTTP status code, zero when the failure happened before
	// a response arrived.
	Status int
	// Message summarizes the failure.
	Message string
	// Body is the response body when one was read, truncated for logging.
	Body string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("wdk: %s", e.Message)
	}
	return fmt.Sprintf("wdk: HTTP %d: %s", e.Status, e.Message)
}

// StatusOf extracts the HTTP status from err when it wraps a platform Error.
// Returns zero otherwise.
func StatusOf(err error) int {
	var we *Error
	if errors.As(err, &we) {
		return we.Status
	}
	return 0
}

// IsRetryable reports whether a call failure is worth retrying: connect
// errors, read timeouts, protocol errors, and the retryable HTTP statuses
// (429, 500, 502, 503, 504). Context cancellation is never retried; a
// deadline on a single attempt is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Connect failures and resets surface as OpError without Timeout.
		return true
	}
	var we *Error
	if errors.As(err, &we) {
		switch we.Status {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case 0:
			// No response arrived: protocol error or truncated read.
			return true
		}
		return false
	}
	return false
}

// ExhaustedError is returned when every retry attempt failed. It unwraps to
// the last attempt's error so callers can still match on *Error.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// LastError is the failure of the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("wdk: retries exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the final attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}
