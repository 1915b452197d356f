package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouterServesCacheStats(t *testing.T) {
	handler := NewHandler(&fakeCacheStats{}, &fakeLimiterStats{}, &fakeFetcher{})
	router := NewRouter(handler)
	srv := httptest.NewServer(router.Setup())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/cache/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRouterServesMetrics(t *testing.T) {
	handler := NewHandler(&fakeCacheStats{}, &fakeLimiterStats{}, &fakeFetcher{})
	router := NewRouter(handler)
	srv := httptest.NewServer(router.Setup())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
