package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/reiharvest/internal/models"
	"github.com/tomtom215/reiharvest/internal/validation"
)

// CacheStatsProvider is satisfied by *cache.Cache.
type CacheStatsProvider interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// RateLimitStatsProvider is satisfied by *ratelimit.Limiter.
type RateLimitStatsProvider interface {
	Stats(ctx context.Context, siteName string) (models.RateLimitStats, error)
}

// Fetcher is satisfied by *fetch.Coordinator.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, siteName string, pageType models.PageType) (*models.LookupResult, error)
}

// Handler serves the stats surface described in specification §6, plus an
// on-demand fetch endpoint wired to the coordinator.
type Handler struct {
	cache     CacheStatsProvider
	limiter   RateLimitStatsProvider
	fetcher   Fetcher
	startTime time.Time
}

// NewHandler wires cache, limiter and fetcher into a Handler.
func NewHandler(cache CacheStatsProvider, limiter RateLimitStatsProvider, fetcher Fetcher) *Handler {
	return &Handler{cache: cache, limiter: limiter, fetcher: fetcher, startTime: time.Now()}
}

// fetchRequest is the body of POST /api/v1/fetch.
type fetchRequest struct {
	URL      string          `json:"url" validate:"required,url"`
	Site     string          `json:"site_name" validate:"required"`
	PageType models.PageType `json:"page_type" validate:"required"`
}

// Fetch runs the coordinator's admit-or-serve-from-cache fetch path for one
// URL, blocking until a budget slot opens or the request is cancelled.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", err)
		return
	}
	if !req.PageType.Valid() {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "page_type must be list, detail or image", nil)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid fetch request", err)
		return
	}

	result, err := h.fetcher.Fetch(r.Context(), req.URL, req.Site, req.PageType)
	if err != nil {
		respondError(w, http.StatusBadGateway, "FETCH_FAILED", "fetch failed", err)
		return
	}
	respondData(w, http.StatusOK, result)
}

// HealthLive reports whether the process is up, without touching the
// database — used for liveness probes that must never block on storage.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady checks that the cache store answers, used for readiness
// probes that gate traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.cache.Stats(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "cache store unreachable", err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"ready": true})
}

// CacheStats returns the aggregate split-store cache stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "CACHE_STATS_FAILED", "failed to read cache stats", err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

// RateLimitStats returns one site's admission budget and observed window.
func (h *Handler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	if site == "" {
		respondError(w, http.StatusBadRequest, "MISSING_SITE", "site path parameter is required", nil)
		return
	}
	stats, err := h.limiter.Stats(r.Context(), site)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RATE_LIMIT_STATS_FAILED", "failed to read rate limit stats", err)
		return
	}
	respondData(w, http.StatusOK, stats)
}
