// Package config loads health-cache settings from defaults, an optional YAML
// file and HEALTHCACHE_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/wolfeidau/health-cache/geocode"
	"github.com/wolfeidau/health-cache/memo"
	"github.com/wolfeidau/health-cache/worker"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HEALTHCACHE_"

// PathEnvVar names a YAML file to load when no path is passed to Load.
const PathEnvVar = EnvPrefix + "CONFIG"

// Config is the complete health-cache configuration.
type Config struct {
	// DataDir holds the health database, the cache index and cached bodies.
	DataDir string        `koanf:"data_dir" validate:"required"`
	Scope   string        `koanf:"scope" validate:"required,url"`
	Cache   CacheConfig   `koanf:"cache"`
	Geocode GeocodeConfig `koanf:"geocode"`
	Memo    MemoConfig    `koanf:"memo"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// CacheConfig configures the request cache controller.
type CacheConfig struct {
	Version            string        `koanf:"version" validate:"required"`
	DiscoverShell      bool          `koanf:"discover_shell"`
	InstallConcurrency int           `koanf:"install_concurrency" validate:"min=1,max=64"`
	BreakerFailures    uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// GeocodeConfig configures reverse geocoding.
type GeocodeConfig struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	UserAgent string        `koanf:"user_agent" validate:"required"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
}

// MemoConfig configures the in-memory read-through cache.
type MemoConfig struct {
	TTL time.Duration `koanf:"ttl" validate:"gte=0"`
}

// ServerConfig configures the development origin.
type ServerConfig struct {
	Address string `koanf:"address" validate:"required"`
	// Root is the app shell directory served as static files.
	Root string `koanf:"root" validate:"required"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json tint"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Prometheus    bool          `koanf:"prometheus"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".health-cache"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".health-cache")
	}
	return &Config{
		DataDir: dataDir,
		Scope:   "http://localhost:8001/",
		Cache: CacheConfig{
			Version:            worker.DefaultVersion,
			InstallConcurrency: 8,
			BreakerFailures:    5,
			BreakerTimeout:     30 * time.Second,
		},
		Geocode: GeocodeConfig{
			BaseURL:   geocode.DefaultBaseURL,
			UserAgent: geocode.DefaultUserAgent,
			Timeout:   geocode.DefaultTimeout,
		},
		Memo: MemoConfig{
			TTL: memo.DefaultTTL,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8001",
			Root:    "public",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "tint",
		},
		Metrics: MetricsConfig{
			Prometheus:    true,
			FlushInterval: 10 * time.Second,
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty the file
// named by HEALTHCACHE_CONFIG is used if set. A named file that does not exist
// is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps HEALTHCACHE_CACHE__DISCOVER_SHELL to cache.discover_shell.
// A double underscore separates sections; a single one stays in the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	return strings.ReplaceAll(s, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports the first problem.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Errorf("invalid config: %s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("invalid config: %s must satisfy %s", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %w", err)
}

// DatabasePath is the health database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "health.db")
}

// CacheIndexPath is the request cache index file.
func (c *Config) CacheIndexPath() string {
	return filepath.Join(c.DataDir, "caches.db")
}

// BodiesDir holds cached response bodies.
func (c *Config) BodiesDir() string {
	return filepath.Join(c.DataDir, "bodies")
}

// Worker returns the controller configuration.
func (c *Config) Worker() worker.Config {
	wc := worker.DefaultConfig(c.Scope)
	wc.Version = c.Cache.Version
	wc.DiscoverShell = c.Cache.DiscoverShell
	wc.InstallConcurrency = c.Cache.InstallConcurrency
	wc.GeocodeHost = worker.GeocodeHost(c.Geocode.BaseURL)
	return wc
}

// Breaker returns the controller's circuit breaker settings.
func (c *Config) Breaker() worker.BreakerSettings {
	return worker.BreakerSettings{
		ConsecutiveFailures: c.Cache.BreakerFailures,
		OpenTimeout:         c.Cache.BreakerTimeout,
	}
}
