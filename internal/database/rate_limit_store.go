package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/reiharvest/internal/models"
)

// GetRateLimitConfig implements the lookup behind specification §4.2's
// admission algorithm: "Let (budget, period) be the config for siteName".
// ErrNotFound means the site has no configured budget, which the caller
// (internal/ratelimit) treats as "admission unconditionally allowed, with
// a warning logged" per §7.
func (db *DB) GetRateLimitConfig(ctx context.Context, siteName string) (*models.RateLimitConfig, error) {
	const q = `
		SELECT site_name, max_requests, period_seconds, concurrent_limit, retry_after_seconds
		FROM rate_limit_config WHERE site_name = ?`

	row := db.conn.QueryRowContext(ctx, q, siteName)
	var cfg models.RateLimitConfig
	var concurrent, retryAfter sql.NullInt64
	if err := row.Scan(&cfg.SiteName, &cfg.MaxRequests, &cfg.PeriodSeconds, &concurrent, &retryAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rate limit config: %w", err)
	}
	if concurrent.Valid {
		v := int(concurrent.Int64)
		cfg.ConcurrentLimit = &v
	}
	if retryAfter.Valid {
		v := int(retryAfter.Int64)
		cfg.RetryAfterSeconds = &v
	}
	return &cfg, nil
}

// SeedRateLimitConfig implements specification §6's "consumers insert via
// upsert that ignores conflicts": one row per known site is guaranteed to
// exist without clobbering an operator's already-tuned budget.
func (db *DB) SeedRateLimitConfig(ctx context.Context, configs []models.RateLimitConfig) error {
	const q = `
		INSERT INTO rate_limit_config (site_name, max_requests, period_seconds, concurrent_limit, retry_after_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (site_name) DO NOTHING`

	for _, c := range configs {
		var concurrent, retryAfter sql.NullInt64
		if c.ConcurrentLimit != nil {
			concurrent = sql.NullInt64{Int64: int64(*c.ConcurrentLimit), Valid: true}
		}
		if c.RetryAfterSeconds != nil {
			retryAfter = sql.NullInt64{Int64: int64(*c.RetryAfterSeconds), Valid: true}
		}
		if _, err := db.conn.ExecContext(ctx, q, c.SiteName, c.MaxRequests, c.PeriodSeconds, concurrent, retryAfter); err != nil {
			return fmt.Errorf("seed rate limit config for %s: %w", c.SiteName, err)
		}
	}
	return nil
}

// CountSuccessInWindow counts non-cached successful request events for
// siteName within [since, now] — the "n" in specification §4.2's admission
// algorithm. Hits and failures do not count (P4, P5).
func (db *DB) CountSuccessInWindow(ctx context.Context, siteName string, since time.Time) (int64, error) {
	const q = `
		SELECT COUNT(*) FROM request_events
		WHERE site_name = ? AND request_timestamp >= ? AND status = ? AND from_cache = FALSE`

	var n int64
	err := db.conn.QueryRowContext(ctx, q, siteName, since, string(models.StatusSuccess)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count success in window: %w", err)
	}
	return n, nil
}

// OldestSuccessInWindow returns the timestamp of the earliest counted
// request in the window, used to compute how long the caller must wait
// (specification §4.2: "the caller must wait max(0, (t_oldest+period)-now)").
func (db *DB) OldestSuccessInWindow(ctx context.Context, siteName string, since time.Time) (time.Time, bool, error) {
	const q = `
		SELECT request_timestamp FROM request_events
		WHERE site_name = ? AND request_timestamp >= ? AND status = ? AND from_cache = FALSE
		ORDER BY request_timestamp ASC
		LIMIT 1`

	var t time.Time
	err := db.conn.QueryRowContext(ctx, q, siteName, since, string(models.StatusSuccess)).Scan(&t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("oldest success in window: %w", err)
	}
	return t, true, nil
}

// InsertRequestEvent appends one row to the request-event log (§3
// "Request event... Append-only").
func (db *DB) InsertRequestEvent(ctx context.Context, ev models.RequestEvent) error {
	const q = `
		INSERT INTO request_events (site_name, request_timestamp, response_time_ms, status, error_message, from_cache)
		VALUES (?, ?, ?, ?, ?, ?)`

	var responseMs sql.NullInt64
	if ev.ResponseTimeMs != nil {
		responseMs = sql.NullInt64{Int64: *ev.ResponseTimeMs, Valid: true}
	}
	var errMsg sql.NullString
	if ev.ErrorMessage != nil {
		errMsg = sql.NullString{String: *ev.ErrorMessage, Valid: true}
	}

	ts := ev.RequestTimestamp
	if ts.IsZero() {
		ts = db.now()
	}

	_, err := db.conn.ExecContext(ctx, q, ev.SiteName, ts, responseMs, string(ev.Status), errMsg, ev.FromCache)
	if err != nil {
		return fmt.Errorf("insert request event: %w", err)
	}
	return nil
}

// WindowStats implements the counts behind specification §4.2's stats()
// contract: { inWindow, failed, cachedInWindow, avgResponseMs }.
func (db *DB) WindowStats(ctx context.Context, siteName string, since time.Time) (inWindow, failed, cached int64, avgResponseMs float64, err error) {
	const q = `
		SELECT
			COUNT(*) FILTER (WHERE status = ? AND from_cache = FALSE) AS successful,
			COUNT(*) FILTER (WHERE status = ?) AS failed,
			COUNT(*) FILTER (WHERE from_cache = TRUE) AS cached,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms IS NOT NULL), 0) AS avg_response_ms
		FROM request_events
		WHERE site_name = ? AND request_timestamp >= ?`

	row := db.conn.QueryRowContext(ctx, q, string(models.StatusSuccess), string(models.StatusFailed), siteName, since)
	if scanErr := row.Scan(&inWindow, &failed, &cached, &avgResponseMs); scanErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("window stats: %w", scanErr)
	}
	return inWindow, failed, cached, avgResponseMs, nil
}
