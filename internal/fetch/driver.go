// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package fetch implements the coordinator described in the specification's
// §4.4: it ties canonicalization, the cache, the rate limiter, and an
// external Driver together into the single entry point callers use to
// retrieve a page. Grounded on cartographus/internal/sync/circuit_breaker.go
// for wrapping an external collaborator with sony/gobreaker/v2.
package fetch

import (
	"context"
	"errors"
)

// Result is what a Driver returns for one fetch attempt.
type Result struct {
	HTTPStatus int
	Body       []byte
	DurationMs int64
}

// Driver performs the actual outbound HTTP request. It is the one
// external collaborator the fetch coordinator never implements itself —
// callers supply a concrete implementation (net/http-backed, a browser
// automation backend, or a test double).
type Driver interface {
	Fetch(ctx context.Context, rawURL string) (Result, error)
}

// DriverFunc adapts a plain function to Driver.
type DriverFunc func(ctx context.Context, rawURL string) (Result, error)

// Fetch implements Driver.
func (f DriverFunc) Fetch(ctx context.Context, rawURL string) (Result, error) {
	return f(ctx, rawURL)
}

// timeoutError is returned by drivers to signal a request timeout
// specifically, so the coordinator can record models.StatusTimeout instead
// of the generic models.StatusFailed (specification §3's RequestStatus).
type timeoutError struct{ err error }

func (e *timeoutError) Error() string { return e.err.Error() }
func (e *timeoutError) Unwrap() error { return e.err }

// NewTimeoutError wraps err so the coordinator records it as a timeout.
func NewTimeoutError(err error) error { return &timeoutError{err: err} }

// isTimeout reports whether err (or anything it wraps) was raised via
// NewTimeoutError, or is itself a context.DeadlineExceeded.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *timeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
