package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tomtom215/reiharvest/internal/models"
)

type fakeCacheStats struct {
	stats models.CacheStats
	err   error
}

func (f *fakeCacheStats) Stats(ctx context.Context) (models.CacheStats, error) {
	return f.stats, f.err
}

type fakeLimiterStats struct {
	stats models.RateLimitStats
	err   error
}

func (f *fakeLimiterStats) Stats(ctx context.Context, siteName string) (models.RateLimitStats, error) {
	return f.stats, f.err
}

type fakeFetcher struct {
	result *models.LookupResult
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, siteName string, pageType models.PageType) (*models.LookupResult, error) {
	return f.result, f.err
}

func TestHealthLiveReportsUptime(t *testing.T) {
	h := NewHandler(&fakeCacheStats{}, &fakeLimiterStats{}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil)
	w := httptest.NewRecorder()
	h.HealthLive(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"alive":true`) {
		t.Fatalf("expected alive:true in body, got %s", w.Body.String())
	}
}

func TestHealthReadyFailsWhenCacheUnreachable(t *testing.T) {
	h := NewHandler(&fakeCacheStats{err: errors.New("db down")}, &fakeLimiterStats{}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil)
	w := httptest.NewRecorder()
	h.HealthReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCacheStatsReturnsStoreStats(t *testing.T) {
	h := NewHandler(&fakeCacheStats{stats: models.CacheStats{TotalEntries: 42}}, &fakeLimiterStats{}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	w := httptest.NewRecorder()
	h.CacheStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"TotalEntries":42`) {
		t.Fatalf("expected entry count in body, got %s", w.Body.String())
	}
}

func TestFetchRejectsInvalidPageType(t *testing.T) {
	h := NewHandler(&fakeCacheStats{}, &fakeLimiterStats{}, &fakeFetcher{})

	body := `{"url":"https://example.com/listing","site_name":"example","page_type":"bogus"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Fetch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestFetchSucceedsAndReturnsResult(t *testing.T) {
	h := NewHandler(&fakeCacheStats{}, &fakeLimiterStats{}, &fakeFetcher{
		result: &models.LookupResult{Body: []byte("<html></html>"), FromCache: true},
	})

	body := `{"url":"https://example.com/listing","site_name":"example","page_type":"detail"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Fetch(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"FromCache":true`) {
		t.Fatalf("expected FromCache:true in body, got %s", w.Body.String())
	}
}

func TestFetchPropagatesDriverFailure(t *testing.T) {
	h := NewHandler(&fakeCacheStats{}, &fakeLimiterStats{}, &fakeFetcher{err: errors.New("fetch failed")})

	body := `{"url":"https://example.com/listing","site_name":"example","page_type":"list"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Fetch(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}
