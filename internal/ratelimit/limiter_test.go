package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/database"
	"github.com/tomtom215/reiharvest/internal/models"
)

// fakeStore is an in-memory Store stand-in so the limiter's decision logic
// can be tested without a DuckDB connection.
type fakeStore struct {
	configs map[string]models.RateLimitConfig
	events  []models.RequestEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: make(map[string]models.RateLimitConfig)}
}

func (f *fakeStore) GetRateLimitConfig(_ context.Context, siteName string) (*models.RateLimitConfig, error) {
	c, ok := f.configs[siteName]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) SeedRateLimitConfig(_ context.Context, configs []models.RateLimitConfig) error {
	for _, c := range configs {
		if _, exists := f.configs[c.SiteName]; !exists {
			f.configs[c.SiteName] = c
		}
	}
	return nil
}

func (f *fakeStore) CountSuccessInWindow(_ context.Context, siteName string, since time.Time) (int64, error) {
	var n int64
	for _, e := range f.events {
		if e.SiteName == siteName && !e.FromCache && e.Status == models.StatusSuccess && !e.RequestTimestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) OldestSuccessInWindow(_ context.Context, siteName string, since time.Time) (time.Time, bool, error) {
	var oldest time.Time
	found := false
	for _, e := range f.events {
		if e.SiteName != siteName || e.FromCache || e.Status != models.StatusSuccess || e.RequestTimestamp.Before(since) {
			continue
		}
		if !found || e.RequestTimestamp.Before(oldest) {
			oldest = e.RequestTimestamp
			found = true
		}
	}
	return oldest, found, nil
}

func (f *fakeStore) InsertRequestEvent(_ context.Context, ev models.RequestEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) WindowStats(_ context.Context, siteName string, since time.Time) (inWindow, failed, cached int64, avgResponseMs float64, err error) {
	var sum int64
	var n int64
	for _, e := range f.events {
		if e.SiteName != siteName || e.RequestTimestamp.Before(since) {
			continue
		}
		switch {
		case e.FromCache:
			cached++
		case e.Status == models.StatusSuccess:
			inWindow++
		case e.Status == models.StatusFailed:
			failed++
		}
		if e.ResponseTimeMs != nil {
			sum += *e.ResponseTimeMs
			n++
		}
	}
	if n > 0 {
		avgResponseMs = float64(sum) / float64(n)
	}
	return inWindow, failed, cached, avgResponseMs, nil
}

func TestAdmitUnconfiguredSiteAllowsImmediately(t *testing.T) {
	store := newFakeStore()
	lim := New(store, clock.NewMock(time.Now()))

	if err := lim.Admit(context.Background(), "no-config-site"); err != nil {
		t.Fatalf("expected unconditional admission, got error: %v", err)
	}
}

func TestCanAdmitWithinBudget(t *testing.T) {
	store := newFakeStore()
	store.configs["athome"] = models.RateLimitConfig{SiteName: "athome", MaxRequests: 3, PeriodSeconds: 60}
	mock := clock.NewMock(time.Now())
	lim := New(store, mock)

	probe, err := lim.CanAdmit(context.Background(), "athome")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !probe.Allowed {
		t.Fatalf("expected admission with empty window")
	}
}

func TestCanAdmitBlockedUntilWindowOpens(t *testing.T) {
	store := newFakeStore()
	store.configs["athome"] = models.RateLimitConfig{SiteName: "athome", MaxRequests: 1, PeriodSeconds: 60}
	mock := clock.NewMock(time.Now())
	lim := New(store, mock)

	rt := int64(100)
	store.events = append(store.events, models.RequestEvent{
		SiteName:         "athome",
		RequestTimestamp: mock.Now(),
		Status:           models.StatusSuccess,
		ResponseTimeMs:   &rt,
	})

	probe, err := lim.CanAdmit(context.Background(), "athome")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if probe.Allowed {
		t.Fatalf("expected budget of 1 to be exhausted")
	}
	if probe.WaitSeconds <= 0 || probe.WaitSeconds > 60 {
		t.Fatalf("expected wait in (0, 60], got %v", probe.WaitSeconds)
	}
}

func TestCacheHitsAndFailuresDoNotConsumeBudget(t *testing.T) {
	store := newFakeStore()
	store.configs["athome"] = models.RateLimitConfig{SiteName: "athome", MaxRequests: 1, PeriodSeconds: 60}
	mock := clock.NewMock(time.Now())
	lim := New(store, mock)

	store.events = append(store.events,
		models.RequestEvent{SiteName: "athome", RequestTimestamp: mock.Now(), Status: models.StatusSuccess, FromCache: true},
		models.RequestEvent{SiteName: "athome", RequestTimestamp: mock.Now(), Status: models.StatusFailed},
	)

	probe, err := lim.CanAdmit(context.Background(), "athome")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !probe.Allowed {
		t.Fatalf("cache hits and failures must not count against the budget (P4/P5)")
	}
}

func TestRecordAndStats(t *testing.T) {
	store := newFakeStore()
	store.configs["athome"] = models.RateLimitConfig{SiteName: "athome", MaxRequests: 5, PeriodSeconds: 60}
	mock := clock.NewMock(time.Now())
	lim := New(store, mock)

	ctx := context.Background()
	rt := int64(250)
	if err := lim.Record(ctx, "athome", models.StatusSuccess, &rt, nil, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := lim.Record(ctx, "athome", models.StatusSuccess, nil, nil, true); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := lim.Stats(ctx, "athome")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.InWindow != 1 {
		t.Fatalf("expected 1 non-cached success in window, got %d", stats.InWindow)
	}
	if stats.CachedInWindow != 1 {
		t.Fatalf("expected 1 cached event, got %d", stats.CachedInWindow)
	}
	if stats.Remaining != 4 {
		t.Fatalf("expected 4 remaining of budget 5, got %d", stats.Remaining)
	}
}

// TestAdmitBlocksUntilWindowOpens exercises the blocking branch of Admit
// itself (scenario 2, "budget stall"), not just the non-blocking CanAdmit
// probe: with the budget exhausted, Admit must sleep out the remainder of
// the window and then return successfully, using wall-clock time since
// cancellableSleep waits on golang.org/x/time/rate rather than the
// injected Clock.
func TestAdmitBlocksUntilWindowOpens(t *testing.T) {
	store := newFakeStore()
	store.configs["athome"] = models.RateLimitConfig{SiteName: "athome", MaxRequests: 1, PeriodSeconds: 1}
	lim := New(store, clock.Real())

	store.events = append(store.events, models.RequestEvent{
		SiteName:         "athome",
		RequestTimestamp: time.Now().Add(-900 * time.Millisecond),
		Status:           models.StatusSuccess,
	})

	start := time.Now()
	if err := lim.Admit(context.Background(), "athome"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected admit to block for roughly the remainder of the window, elapsed only %v", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("admit blocked far longer than the configured window: %v", elapsed)
	}
}

// TestAdmitRespectsContextCancellation verifies Admit's blocking wait
// unblocks as soon as ctx is cancelled, rather than sleeping out the full
// window, so a caller can always bound how long it waits for a busy site.
func TestAdmitRespectsContextCancellation(t *testing.T) {
	store := newFakeStore()
	store.configs["athome"] = models.RateLimitConfig{SiteName: "athome", MaxRequests: 1, PeriodSeconds: 60}
	lim := New(store, clock.Real())

	store.events = append(store.events, models.RequestEvent{
		SiteName:         "athome",
		RequestTimestamp: time.Now(),
		Status:           models.StatusSuccess,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := lim.Admit(ctx, "athome")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected admit to return an error on context cancellation")
	}
	if elapsed > time.Second {
		t.Fatalf("expected admit to unblock promptly on cancellation, took %v", elapsed)
	}
}

func TestStatsForUnconfiguredSiteIsZeroValue(t *testing.T) {
	store := newFakeStore()
	lim := New(store, clock.NewMock(time.Now()))

	stats, err := lim.Stats(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Budget != 0 || stats.Remaining != 0 {
		t.Fatalf("expected zero-value stats for unconfigured site, got %+v", stats)
	}
}
