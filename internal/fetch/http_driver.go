package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDriver is the default Driver, issuing a plain GET per fetch.
// Grounded on the *http.Client{Timeout: ...} pattern used throughout
// cartographus/internal/auth for outbound calls to third-party services.
type HTTPDriver struct {
	client    *http.Client
	userAgent string
}

// NewHTTPDriver builds an HTTPDriver with the given timeout and User-Agent.
func NewHTTPDriver(timeout time.Duration, userAgent string) *HTTPDriver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDriver{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

// Fetch implements Driver.
func (d *HTTPDriver) Fetch(ctx context.Context, rawURL string) (Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, NewTimeoutError(err)
		}
		return Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response body: %w", err)
	}

	return Result{
		HTTPStatus: resp.StatusCode,
		Body:       body,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
