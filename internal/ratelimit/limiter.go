// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package ratelimit implements the per-site fixed-window-trailing admission
// control described in the specification's §4.2. Unlike a golang.org/x/time/rate
// in-memory limiter, the window is counted from the append-only request_events
// table so that admission decisions stay consistent across every process
// sharing the database file — a single in-memory counter (the shape
// cartographus/internal/cache/sliding_window.go uses for its own rate
// tracking) cannot do that. x/time/rate is still used, narrowly, for its
// cancellable-sleep helper when a caller must wait out a window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/database"
	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/metrics"
	"github.com/tomtom215/reiharvest/internal/models"
)

// Store is the subset of *database.DB the limiter depends on.
type Store interface {
	GetRateLimitConfig(ctx context.Context, siteName string) (*models.RateLimitConfig, error)
	SeedRateLimitConfig(ctx context.Context, configs []models.RateLimitConfig) error
	CountSuccessInWindow(ctx context.Context, siteName string, since time.Time) (int64, error)
	OldestSuccessInWindow(ctx context.Context, siteName string, since time.Time) (time.Time, bool, error)
	InsertRequestEvent(ctx context.Context, ev models.RequestEvent) error
	WindowStats(ctx context.Context, siteName string, since time.Time) (inWindow, failed, cached int64, avgResponseMs float64, err error)
}

// Limiter enforces per-site request budgets backed by Store.
type Limiter struct {
	store Store
	clock clock.Clock
}

// New constructs a Limiter. clk may be nil to use wall-clock time.
func New(store Store, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{store: store, clock: clk}
}

// SeedDefaults implements specification §6's "consumers insert via upsert
// that ignores conflicts" for startup-time rate-limit configuration.
func (l *Limiter) SeedDefaults(ctx context.Context, configs []models.RateLimitConfig) error {
	return l.store.SeedRateLimitConfig(ctx, configs)
}

// Admit implements the blocking admission algorithm in specification §4.2:
// it waits, if necessary, until the site's window has room, then returns.
// A site with no configured budget is admitted unconditionally, with a
// single warning logged (specification §7). Admit never raises an error to
// the caller except for ctx cancellation — a storage failure degrades to
// "admit immediately" so a transient database hiccup never deadlocks the
// fetch coordinator.
func (l *Limiter) Admit(ctx context.Context, siteName string) error {
	for {
		probe, err := l.probe(ctx, siteName)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("site", siteName).
				Msg("rate limit probe failed, admitting request unconditionally")
			metrics.RateLimitAdmitted.WithLabelValues(siteName, "unconfigured").Inc()
			return nil
		}
		if probe.Allowed {
			metrics.RateLimitAdmitted.WithLabelValues(siteName, "allowed").Inc()
			return nil
		}

		wait := time.Duration(probe.WaitSeconds * float64(time.Second))
		metrics.RateLimitWaitSeconds.WithLabelValues(siteName).Observe(probe.WaitSeconds)
		logging.Ctx(ctx).Debug().Str("site", siteName).Dur("wait", wait).Msg("rate limit window full, waiting")

		if err := cancellableSleep(ctx, wait); err != nil {
			return err
		}
		metrics.RateLimitAdmitted.WithLabelValues(siteName, "waited").Inc()
	}
}

// CanAdmit implements the non-blocking probe variant of specification
// §4.2's admission algorithm: it reports whether a request would be
// admitted right now, and if not, how long the caller would need to wait.
func (l *Limiter) CanAdmit(ctx context.Context, siteName string) (models.AdmitProbe, error) {
	return l.probe(ctx, siteName)
}

func (l *Limiter) probe(ctx context.Context, siteName string) (models.AdmitProbe, error) {
	cfg, err := l.store.GetRateLimitConfig(ctx, siteName)
	if err != nil {
		if err == database.ErrNotFound {
			logging.Ctx(ctx).Warn().Str("site", siteName).
				Msg("no rate limit config for site, admitting unconditionally")
			return models.AdmitProbe{Allowed: true}, nil
		}
		return models.AdmitProbe{}, fmt.Errorf("get rate limit config: %w", err)
	}

	period := time.Duration(cfg.PeriodSeconds) * time.Second
	since := l.clock.Now().Add(-period)

	n, err := l.store.CountSuccessInWindow(ctx, siteName, since)
	if err != nil {
		return models.AdmitProbe{}, fmt.Errorf("count success in window: %w", err)
	}
	if n < int64(cfg.MaxRequests) {
		return models.AdmitProbe{Allowed: true}, nil
	}

	oldest, ok, err := l.store.OldestSuccessInWindow(ctx, siteName, since)
	if err != nil {
		return models.AdmitProbe{}, fmt.Errorf("oldest success in window: %w", err)
	}
	if !ok {
		// Window emptied out between the count and this query; retry is safe.
		return models.AdmitProbe{Allowed: true}, nil
	}

	waitUntil := oldest.Add(period)
	wait := waitUntil.Sub(l.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return models.AdmitProbe{Allowed: false, WaitSeconds: wait.Seconds()}, nil
}

// Record implements specification §4.2's "record" operation: every
// attempted fetch, hit or miss, success or failure, is appended to the
// request-event log so future admission decisions see it.
func (l *Limiter) Record(ctx context.Context, siteName string, status models.RequestStatus, responseTimeMs *int64, errMsg *string, fromCache bool) error {
	ev := models.RequestEvent{
		SiteName:         siteName,
		RequestTimestamp: l.clock.Now(),
		ResponseTimeMs:   responseTimeMs,
		Status:           status,
		ErrorMessage:     errMsg,
		FromCache:        fromCache,
	}
	if err := l.store.InsertRequestEvent(ctx, ev); err != nil {
		return fmt.Errorf("record request event: %w", err)
	}
	return nil
}

// Stats implements specification §4.2's "stats" operation.
func (l *Limiter) Stats(ctx context.Context, siteName string) (models.RateLimitStats, error) {
	cfg, err := l.store.GetRateLimitConfig(ctx, siteName)
	if err != nil {
		if err == database.ErrNotFound {
			return models.RateLimitStats{}, nil
		}
		return models.RateLimitStats{}, fmt.Errorf("get rate limit config: %w", err)
	}

	period := time.Duration(cfg.PeriodSeconds) * time.Second
	since := l.clock.Now().Add(-period)

	inWindow, failed, cached, avgResponseMs, err := l.store.WindowStats(ctx, siteName, since)
	if err != nil {
		return models.RateLimitStats{}, fmt.Errorf("window stats: %w", err)
	}

	remaining := int64(cfg.MaxRequests) - inWindow
	if remaining < 0 {
		remaining = 0
	}

	metrics.RateLimitBudgetRemaining.WithLabelValues(siteName).Set(float64(remaining))

	return models.RateLimitStats{
		Budget:         cfg.MaxRequests,
		Period:         period,
		InWindow:       inWindow,
		Failed:         failed,
		CachedInWindow: cached,
		AvgResponseMs:  avgResponseMs,
		Remaining:      remaining,
	}, nil
}

// cancellableSleep blocks for d or until ctx is cancelled, whichever comes
// first — the building block specification §4.2 needs for "the caller must
// wait", expressed with x/time/rate's own waiter rather than a bare
// time.Sleep so that admission respects context cancellation.
func cancellableSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(d), 1)
	lim.Allow() // consume the initial token so Wait blocks for exactly one more interval
	return lim.Wait(ctx)
}
