package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wolfeidau/health-cache/geocode"
)

// DefaultVersion is the cache token of the current app shell. Changing it
// replaces every previously cached response on the next activation.
const DefaultVersion = "perfecthealth-cache-v18"

// DefaultGeocodeHost is the host of the default reverse geocoding service.
var DefaultGeocodeHost = GeocodeHost(geocode.DefaultBaseURL)

// GeocodeHost returns the lower-cased host name of a geocoding base URL, or ""
// when baseURL has no host.
func GeocodeHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// DefaultManifest lists the app shell, relative to the scope, that install
// caches for offline use.
var DefaultManifest = []string{
	"./",
	"./index.html",
	"./styles.css",
	"./manifest.webmanifest",
	"./icons/icon-192.png",
	"./icons/icon-512.png",
	"./src/main.js",
	"./src/constants.js",
	"./src/core/router.js",
	"./src/core/database.js",
	"./src/core/store.js",
	"./src/utils/error.js",
	"./src/utils/debounce.js",
	"./src/utils/file.js",
	"./src/utils/image.js",
	"./src/utils/rateLimit.js",
	"./src/utils/uuid.js",
	"./src/utils/validation.js",
	"./src/features/dashboard/routes.js",
	"./src/features/dashboard/view.js",
	"./src/features/dashboard/controller.js",
	"./src/features/measurements/routes.js",
	"./src/features/measurements/view.js",
	"./src/features/measurements/controller.js",
	"./src/features/measurements/model.js",
	"./src/features/measurements/repo.js",
	"./src/features/meals/routes.js",
	"./src/features/meals/view.js",
	"./src/features/meals/controller.js",
	"./src/features/meals/model.js",
	"./src/features/meals/repo.js",
}

// Config describes one controller version.
type Config struct {
	// Version names the cache bucket, e.g. "perfecthealth-cache-v18".
	Version string
	// Scope is the origin and base path the controller serves, e.g. "http://localhost:8001/".
	Scope string
	// Manifest lists app shell paths relative to Scope.
	Manifest []string
	// GeocodeHost is the cross-origin host answered with a JSON error when offline.
	GeocodeHost string
	// DiscoverShell also caches same-origin assets referenced by the cached root document.
	DiscoverShell bool
	// InstallConcurrency bounds parallel fetches during install. Zero means 8.
	InstallConcurrency int
}

// DefaultConfig returns the configuration of the current app shell served at scope.
func DefaultConfig(scope string) Config {
	return Config{
		Version:     DefaultVersion,
		Scope:       scope,
		Manifest:    DefaultManifest,
		GeocodeHost: DefaultGeocodeHost,
	}
}

// scopeURL parses Scope, making sure the path ends in a slash.
func (c Config) scopeURL() (*url.URL, error) {
	u, err := url.Parse(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("parsing scope: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("scope %q must be an absolute URL", c.Scope)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (c Config) validate() error {
	if c.Version == "" {
		return errors.New("worker: empty version")
	}
	_, err := c.scopeURL()
	return err
}
