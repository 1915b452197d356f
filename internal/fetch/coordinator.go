package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/reiharvest/internal/cache"
	"github.com/tomtom215/reiharvest/internal/clock"
	"github.com/tomtom215/reiharvest/internal/logging"
	"github.com/tomtom215/reiharvest/internal/metrics"
	"github.com/tomtom215/reiharvest/internal/models"
)

// Limiter is the subset of *ratelimit.Limiter the coordinator depends on.
type Limiter interface {
	Admit(ctx context.Context, siteName string) error
	Record(ctx context.Context, siteName string, status models.RequestStatus, responseTimeMs *int64, errMsg *string, fromCache bool) error
}

// Cache is the subset of *cache.Cache the coordinator depends on.
type Cache interface {
	Lookup(ctx context.Context, rawURL, siteName string) (*models.LookupResult, error)
	Store(ctx context.Context, in cache.StoreInput) error
}

// Publisher is implemented by internal/events for optional downstream
// notification; a nil Publisher is a valid no-op.
type Publisher interface {
	PublishRequestEvent(ctx context.Context, ev models.RequestEvent)
}

// Parser turns a fetched body into the opaque parsedData blob stored
// alongside it. The coordinator never interprets parsedData itself
// (specification's design notes: parsedData is inert to the core); a nil
// Parser stores no parsed data.
type Parser func(rawURL string, body []byte) ([]byte, error)

// Coordinator implements specification §4.4: the single entry point that
// ties canonicalization (performed inside Cache), the cache, the rate
// limiter, and an external Driver together. Exactly one fetch attempt is
// made per Fetch call; Fetch never panics and never returns a raw driver
// error without having first recorded it. Every outbound fetch runs
// through a circuit breaker scoped to its site, built lazily from
// baseDriver the first time that site is seen, so a site returning mostly
// errors trips only its own breaker rather than blocking every other site.
type Coordinator struct {
	cache           Cache
	limiter         Limiter
	baseDriver      Driver
	breakerSettings BreakerSettings
	breakersMu      sync.Mutex
	breakers        map[string]*BreakerDriver
	parser          Parser
	pub             Publisher
	clock           clock.Clock
}

// Option configures optional Coordinator behavior.
type Option func(*Coordinator)

// WithParser installs a Parser invoked on every fresh fetch before storing.
func WithParser(p Parser) Option { return func(c *Coordinator) { c.parser = p } }

// WithPublisher installs a Publisher notified of every recorded request
// event, hit or miss.
func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.pub = p } }

// WithBreakerSettings overrides the default per-site circuit breaker
// settings applied to every site first seen after this option is set.
func WithBreakerSettings(s BreakerSettings) Option {
	return func(c *Coordinator) { c.breakerSettings = s }
}

// New constructs a Coordinator. driver is the base, unwrapped collaborator;
// New circuit-breaks it per site internally.
func New(cache Cache, limiter Limiter, driver Driver, clk clock.Clock, opts ...Option) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Coordinator{
		cache:           cache,
		limiter:         limiter,
		baseDriver:      driver,
		breakerSettings: DefaultBreakerSettings(),
		breakers:        make(map[string]*BreakerDriver),
		clock:           clk,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// driverFor returns the circuit-breaker-wrapped driver for siteName,
// creating and caching one on first use.
func (c *Coordinator) driverFor(siteName string) *BreakerDriver {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if bd, ok := c.breakers[siteName]; ok {
		return bd
	}
	bd := NewBreakerDriver(siteName, c.baseDriver, c.breakerSettings)
	c.breakers[siteName] = bd
	return bd
}

// Fetch implements specification §4.4's "Fetch" operation: lookup, admit,
// fetch, store, record — in that order, with the cache and rate-limiter
// steps never allowed to turn a successful outbound fetch into a failure.
func (c *Coordinator) Fetch(ctx context.Context, rawURL, siteName string, pageType models.PageType) (*models.LookupResult, error) {
	if result, err := c.cache.Lookup(ctx, rawURL, siteName); err == nil {
		c.record(ctx, siteName, models.StatusSuccess, nil, nil, true)
		return result, nil
	} else if err != cache.ErrMiss {
		logging.Ctx(ctx).Warn().Err(err).Str("site", siteName).Msg("cache lookup failed, falling through to a live fetch")
	}

	if err := c.limiter.Admit(ctx, siteName); err != nil {
		return nil, fmt.Errorf("rate limit admission: %w", err)
	}

	start := c.clock.Now()
	fetchResult, err := c.driverFor(siteName).Fetch(ctx, rawURL)
	durationMs := c.clock.Now().Sub(start).Milliseconds()
	metrics.FetchDuration.WithLabelValues(siteName).Observe(time.Duration(durationMs * int64(time.Millisecond)).Seconds())

	if err != nil {
		status := models.StatusFailed
		if isTimeout(err) {
			status = models.StatusTimeout
		}
		msg := err.Error()
		c.record(ctx, siteName, status, &durationMs, &msg, false)
		metrics.FetchAttemptsTotal.WithLabelValues(siteName, string(status)).Inc()
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	var parsedData []byte
	if c.parser != nil {
		parsedData, err = c.parser(rawURL, fetchResult.Body)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("url", rawURL).Msg("parser failed, storing body without parsed data")
			parsedData = nil
		}
	}

	if err := c.cache.Store(ctx, cache.StoreInput{
		RawURL:        rawURL,
		SiteName:      siteName,
		PageType:      pageType,
		HTTPStatus:    fetchResult.HTTPStatus,
		Body:          fetchResult.Body,
		ParsedData:    parsedData,
		ScrapingDurMs: &durationMs,
	}); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("url", rawURL).Msg("failed to store fetched page in cache")
	}

	c.record(ctx, siteName, models.StatusSuccess, &durationMs, nil, false)
	metrics.FetchAttemptsTotal.WithLabelValues(siteName, string(models.StatusSuccess)).Inc()

	return &models.LookupResult{Body: fetchResult.Body, ParsedData: parsedData, FromCache: false}, nil
}

func (c *Coordinator) record(ctx context.Context, siteName string, status models.RequestStatus, responseTimeMs *int64, errMsg *string, fromCache bool) {
	if err := c.limiter.Record(ctx, siteName, status, responseTimeMs, errMsg, fromCache); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to record request event")
	}
	if c.pub != nil {
		c.pub.PublishRequestEvent(ctx, models.RequestEvent{
			SiteName: siteName, RequestTimestamp: c.clock.Now(), ResponseTimeMs: responseTimeMs,
			Status: status, ErrorMessage: errMsg, FromCache: fromCache,
		})
	}
}
