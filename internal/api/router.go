package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// Router builds the chi-based stats HTTP surface.
type Router struct {
	handler *Handler
}

// NewRouter wires a Handler into a Router.
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Setup builds the full route table. Mirrors the structure of
// cartographus/internal/api/chi_router.go's SetupChi: global middleware
// first, a health group with its own path, then the data surface, then
// observability endpoints last.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		MaxAge:         300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1/cache", func(r chi.Router) {
		r.Get("/stats", router.handler.CacheStats)
	})

	r.Route("/api/v1/ratelimit", func(r chi.Router) {
		r.Get("/{site}/stats", router.handler.RateLimitStats)
	})

	r.Post("/api/v1/fetch", router.handler.Fetch)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
	))

	return r
}
