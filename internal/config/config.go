// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package config loads the fetch coordination engine's configuration via
// Koanf v2's layered sources: built-in defaults, an optional YAML file,
// then environment variables, exactly as
// cartographus/internal/config/koanf.go does for its own Config.
package config

import (
	"time"

	"github.com/tomtom215/reiharvest/internal/validation"
)

// Config holds every setting the fetch coordination engine needs at
// startup.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Cache      CacheConfig      `koanf:"cache"`
	Canonical  CanonicalConfig  `koanf:"canonical"`
	RateLimits []RateLimitEntry `koanf:"rate_limits"`
	Server     ServerConfig     `koanf:"server"`
	NATS       NATSConfig       `koanf:"nats"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// DatabaseConfig configures the DuckDB-backed metadata store.
type DatabaseConfig struct {
	Path    string `koanf:"path" validate:"required"`
	Threads int    `koanf:"threads" validate:"gte=0"`
}

// CacheConfig configures the filesystem half of the split-store cache and
// its TTL/size bounds (specification §3, §4.3).
type CacheConfig struct {
	Dir         string        `koanf:"dir" validate:"required"`
	MaxBytes    int64         `koanf:"max_bytes" validate:"gte=0"`
	TTLList     time.Duration `koanf:"ttl_list" validate:"gt=0"`
	TTLDetail   time.Duration `koanf:"ttl_detail" validate:"gt=0"`
	TTLImage    time.Duration `koanf:"ttl_image" validate:"gt=0"`
	CleanupTick time.Duration `koanf:"cleanup_tick" validate:"gt=0"`
	MaxFileAge  time.Duration `koanf:"max_file_age" validate:"gte=0"`
}

// CanonicalConfig carries the per-site query-parameter allow-list
// (specification §4.1) as configuration data, not code, so adding a new
// site's allowed parameters never requires a rebuild.
type CanonicalConfig struct {
	AllowList map[string][]string `koanf:"allow_list"`
}

// RateLimitEntry seeds one site's budget into rate_limit_config on startup
// (specification §6's "consumers insert via upsert that ignores
// conflicts").
type RateLimitEntry struct {
	SiteName          string `koanf:"site_name" validate:"required"`
	MaxRequests       int    `koanf:"max_requests" validate:"required,gt=0"`
	PeriodSeconds     int    `koanf:"period_seconds" validate:"required,gt=0"`
	ConcurrentLimit   int    `koanf:"concurrent_limit" validate:"gte=0"`
	RetryAfterSeconds int    `koanf:"retry_after_seconds" validate:"gte=0"`
}

// ServerConfig configures the read-only stats HTTP surface (specification
// §6).
type ServerConfig struct {
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"required,gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// NATSConfig configures the optional request-event publisher
// (internal/events). Enabled defaults to false: publishing is a
// supplement, never a dependency of the core fetch contract.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// LoggingConfig mirrors internal/logging.Config's fields for koanf binding.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	Caller    bool   `koanf:"caller"`
	Timestamp bool   `koanf:"timestamp"`
}

// Validate checks every field-level constraint and a handful of
// cross-field invariants the `validate` tags alone cannot express.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Database); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Cache); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Server); err != nil {
		return err
	}
	for i := range c.RateLimits {
		if err := validation.ValidateStruct(&c.RateLimits[i]); err != nil {
			return err
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errRequiredNATSURL
	}
	return nil
}

var errRequiredNATSURL = configError("nats.url is required when nats.enabled is true")

type configError string

func (e configError) Error() string { return string(e) }
