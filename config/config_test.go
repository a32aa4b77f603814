package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/health-cache/worker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, worker.DefaultVersion, cfg.Cache.Version)
	require.Equal(t, "http://localhost:8001/", cfg.Scope)
	require.Equal(t, 30*time.Second, cfg.Memo.TTL)
	require.Equal(t, 10*time.Second, cfg.Geocode.Timeout)
	require.Equal(t, "tint", cfg.Logging.Format)
	require.True(t, cfg.Metrics.Prometheus)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/health
scope: http://127.0.0.1:9000/app/
cache:
  version: perfecthealth-cache-v19
  discover_shell: true
memo:
  ttl: 5s
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/health", cfg.DataDir)
	require.Equal(t, "perfecthealth-cache-v19", cfg.Cache.Version)
	require.True(t, cfg.Cache.DiscoverShell)
	require.Equal(t, 5*time.Second, cfg.Memo.TTL)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	require.Equal(t, 8, cfg.Cache.InstallConcurrency)
	require.Equal(t, "info", Default().Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "cache:\n  version: from-file\n")
	t.Setenv("HEALTHCACHE_CACHE__VERSION", "from-env")
	t.Setenv("HEALTHCACHE_CACHE__INSTALL_CONCURRENCY", "16")
	t.Setenv("HEALTHCACHE_DATA_DIR", "/var/lib/health")
	t.Setenv("HEALTHCACHE_GEOCODE__TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Cache.Version)
	require.Equal(t, 16, cfg.Cache.InstallConcurrency)
	require.Equal(t, "/var/lib/health", cfg.DataDir)
	require.Equal(t, 3*time.Second, cfg.Geocode.Timeout)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  address: 127.0.0.1:9999\n")
	t.Setenv(PathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.Server.Address)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad log level", "logging:\n  level: loud\n", "Config.Logging.Level"},
		{"bad scope", "scope: not a url\n", "Config.Scope"},
		{"empty version", "cache:\n  version: \"\"\n", "Config.Cache.Version"},
		{"zero concurrency", "cache:\n  install_concurrency: 0\n", "Config.Cache.InstallConcurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestConfig_Worker(t *testing.T) {
	cfg := Default()
	cfg.Scope = "http://localhost:9000/"
	cfg.Cache.Version = "v2"
	cfg.Cache.DiscoverShell = true

	wc := cfg.Worker()
	require.Equal(t, "v2", wc.Version)
	require.Equal(t, "http://localhost:9000/", wc.Scope)
	require.True(t, wc.DiscoverShell)
	require.Equal(t, worker.DefaultManifest, wc.Manifest)
	require.Equal(t, "nominatim.openstreetmap.org", wc.GeocodeHost)

	b := cfg.Breaker()
	require.Equal(t, uint32(5), b.ConsecutiveFailures)
	require.Equal(t, 30*time.Second, b.OpenTimeout)
}

func TestConfig_WorkerGeocodeHostFromBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Geocode.BaseURL = "https://Geo.Example.org:8443/nominatim"

	require.Equal(t, "geo.example.org", cfg.Worker().GeocodeHost)
}

func TestConfig_Paths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	require.Equal(t, "/data/health.db", cfg.DatabasePath())
	require.Equal(t, "/data/caches.db", cfg.CacheIndexPath())
	require.Equal(t, "/data/bodies", cfg.BodiesDir())
}
