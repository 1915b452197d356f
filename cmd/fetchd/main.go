// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Command fetchd runs the fetch coordination engine: it loads
// configuration, opens the DuckDB-backed split-store cache, seeds
// per-site rate-limit budgets, and serves the stats and fetch HTTP
// surface under a suture supervisor tree alongside the periodic cache
// cleanup scheduler.
//
// Grounded on cartographus/cmd/server/main.go's initialization order
// (config -> logging -> database -> supervisor tree -> services ->
// signal-driven graceful shutdown), trimmed to reiharvest's components.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/reiharvest/internal/api"
	"github.com/tomtom215/reiharvest/internal/cache"
	"github.com/tomtom215/reiharvest/internal/canonical"
	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/config"
	"github.com/tomtom215/reiharvest/internal/database"
	"github.com/tomtom215/reiharvest/internal/events"
	"github.com/tomtom215/reiharvest/internal/fetch"
	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/models"
	"github.com/tomtom215/reiharvest/internal/ratelimit"
	"github.com/tomtom215/reiharvest/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: cfg.Logging.Timestamp,
	})

	logging.Info().Msg("starting reiharvest fetch coordination engine")

	clk := clock.Real()

	db, err := database.Open(context.Background(), database.Config{
		Path:    cfg.Database.Path,
		Threads: cfg.Database.Threads,
	}, clk)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing database")
		}
	}()
	logging.Info().Str("path", cfg.Database.Path).Msg("database ready")

	canon := canonical.New(canonical.NewAllowList(cfg.Canonical.AllowList))

	ttls := cache.TTLs{
		List:   cfg.Cache.TTLList,
		Detail: cfg.Cache.TTLDetail,
		Image:  cfg.Cache.TTLImage,
	}
	cch, err := cache.New(db, canon, cfg.Cache.Dir, ttls, clk)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize split-store cache")
	}
	cch.MaxBytes = cfg.Cache.MaxBytes
	if cfg.Cache.MaxFileAge > 0 {
		cch.MaxFileAge = cfg.Cache.MaxFileAge
	}

	limiter := ratelimit.New(db, clk)
	if len(cfg.RateLimits) > 0 {
		seeds := make([]models.RateLimitConfig, 0, len(cfg.RateLimits))
		for _, r := range cfg.RateLimits {
			entry := models.RateLimitConfig{
				SiteName:      r.SiteName,
				MaxRequests:   r.MaxRequests,
				PeriodSeconds: r.PeriodSeconds,
			}
			if r.ConcurrentLimit > 0 {
				entry.ConcurrentLimit = &r.ConcurrentLimit
			}
			if r.RetryAfterSeconds > 0 {
				entry.RetryAfterSeconds = &r.RetryAfterSeconds
			}
			seeds = append(seeds, entry)
		}
		if err := limiter.SeedDefaults(context.Background(), seeds); err != nil {
			logging.Fatal().Err(err).Msg("failed to seed rate limit configuration")
		}
	}

	var publisher fetch.Publisher
	if cfg.NATS.Enabled {
		pub, err := events.NewPublisher(events.DefaultPublisherConfig(cfg.NATS.URL, cfg.NATS.Subject))
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize event publisher")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logging.Error().Err(err).Msg("error closing event publisher")
			}
		}()
		publisher = pub
	}

	driver := fetch.NewHTTPDriver(30*time.Second, "reiharvest/1.0")

	coordOpts := []fetch.Option{}
	if publisher != nil {
		coordOpts = append(coordOpts, fetch.WithPublisher(publisher))
	}
	coordinator := fetch.New(cch, limiter, driver, clk, coordOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.New(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	handler := api.NewHandler(cch, limiter, coordinator)
	router := api.NewRouter(handler)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPService("stats-http", httpServer, 10*time.Second))
	tree.AddBackgroundService(supervisor.NewCleanupService(cch, cfg.Cache.CleanupTick))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", httpServer.Addr).Msg("starting supervisor tree")
	errCh := tree.Root().ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	logging.Info().Msg("reiharvest stopped gracefully")
}
