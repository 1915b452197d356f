package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/reiharvest/config.yaml",
	"/etc/reiharvest/config.yml",
}

// ConfigPathEnvVar overrides the config file search with an explicit path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:    "/data/reiharvest.duckdb",
			Threads: 0,
		},
		Cache: CacheConfig{
			Dir:         "/data/cache/bodies",
			MaxBytes:    1 << 30, // 1GB, mirrors cache_manager.py's MAX_CACHE_SIZE_MB
			TTLList:     6 * time.Hour,
			TTLDetail:   7 * 24 * time.Hour,
			TTLImage:    30 * 24 * time.Hour,
			CleanupTick: time.Hour,
			MaxFileAge:  30 * 24 * time.Hour,
		},
		Canonical: CanonicalConfig{
			AllowList: map[string][]string{
				"default": {"id", "page"},
			},
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8090,
			Timeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "reiharvest.requests",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			Caller:    false,
			Timestamp: true,
		},
	}
}

// Load reads configuration using Koanf's layered sources — defaults, then
// an optional YAML file, then environment variables — and validates the
// result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("REIHARVEST_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings lists the known REIHARVEST_* environment variables and the
// koanf path each one sets. Unmapped variables are skipped, so unrelated
// environment noise never pollutes the config (same rationale as
// cartographus/internal/config/koanf.go's envTransformFunc).
var envMappings = map[string]string{
	"database_path":      "database.path",
	"database_threads":   "database.threads",
	"cache_dir":          "cache.dir",
	"cache_max_bytes":    "cache.max_bytes",
	"cache_ttl_list":     "cache.ttl_list",
	"cache_ttl_detail":   "cache.ttl_detail",
	"cache_ttl_image":    "cache.ttl_image",
	"cache_cleanup_tick": "cache.cleanup_tick",
	"cache_max_file_age": "cache.max_file_age",
	"server_host":        "server.host",
	"server_port":        "server.port",
	"server_timeout":     "server.timeout",
	"nats_enabled":       "nats.enabled",
	"nats_url":           "nats.url",
	"nats_subject":       "nats.subject",
	"logging_level":      "logging.level",
	"logging_format":     "logging.format",
	"logging_caller":     "logging.caller",
	"logging_timestamp":  "logging.timestamp",
}

// envTransformFunc maps a REIHARVEST_-prefixed environment variable name
// to its koanf path, e.g. REIHARVEST_DATABASE_PATH -> database.path.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "REIHARVEST_"))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
