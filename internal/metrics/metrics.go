// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package metrics exposes Prometheus instrumentation for the fetch
// coordination engine: cache efficiency, rate-limiter admission behavior,
// cleanup yield, and outbound fetch outcomes. Grounded on
// cartographus/internal/metrics/metrics.go's promauto-vars-at-package-scope
// pattern, trimmed to this domain's four components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache Metrics (specification §4.3)
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reiharvest_cache_lookups_total",
			Help: "Total number of cache lookups by outcome",
		},
		[]string{"outcome"}, // "hit", "miss"
	)

	CacheStoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reiharvest_cache_store_duration_seconds",
			Help:    "Duration of cache store operations, including file write",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheEntriesValid = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reiharvest_cache_entries_valid",
			Help: "Current number of valid, unexpired cache entries",
		},
	)

	CacheBytesOnDisk = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reiharvest_cache_bytes_on_disk",
			Help: "Current total size of content bodies on disk",
		},
	)

	CacheDedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reiharvest_cache_dedup_hits_total",
			Help: "Total number of stores that reused an existing content record by hash",
		},
	)

	// Cleanup Metrics (specification §4.3 cleanup phases)
	CleanupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reiharvest_cleanup_runs_total",
			Help: "Total number of cleanup passes by outcome",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	CleanupEntriesInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reiharvest_cleanup_entries_invalidated_total",
			Help: "Total number of cache entries invalidated by cleanup (expiry + age + LRU)",
		},
	)

	CleanupFilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reiharvest_cleanup_files_deleted_total",
			Help: "Total number of content body files removed by cleanup",
		},
	)

	CleanupBytesFreed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reiharvest_cleanup_bytes_freed_total",
			Help: "Total bytes freed from disk by cleanup",
		},
	)

	CleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reiharvest_cleanup_duration_seconds",
			Help:    "Duration of a full cleanup pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate Limiter Metrics (specification §4.2)
	RateLimitAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reiharvest_ratelimit_admitted_total",
			Help: "Total number of admission decisions by site and outcome",
		},
		[]string{"site", "outcome"}, // "allowed", "waited", "unconfigured"
	)

	RateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reiharvest_ratelimit_wait_seconds",
			Help:    "Time spent waiting for rate-limit admission, per site",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"site"},
	)

	RateLimitBudgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reiharvest_ratelimit_budget_remaining",
			Help: "Requests remaining in the current window, per site",
		},
		[]string{"site"},
	)

	// Fetch Driver Metrics (specification §4.4)
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reiharvest_fetch_attempts_total",
			Help: "Total number of outbound fetch attempts by site and status",
		},
		[]string{"site", "status"}, // "success", "failed", "timeout"
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reiharvest_fetch_duration_seconds",
			Help:    "Duration of outbound fetch attempts, per site",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"site"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reiharvest_circuit_breaker_state",
			Help: "Circuit breaker state per site (0=closed, 1=half-open, 2=open)",
		},
		[]string{"site"},
	)
)
