// Package geocode turns coordinates into a short street address using the
// Nominatim reverse geocoding API.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wolfeidau/health-cache/ratelimit"
)

const (
	// DefaultBaseURL is the public Nominatim instance.
	DefaultBaseURL = "https://nominatim.openstreetmap.org"

	// DefaultUserAgent identifies the app, as the Nominatim usage policy requires.
	DefaultUserAgent = "PerfectHealth/1.0 (health tracker; contact: local)"

	// RateLimitKey is the limiter key shared by all Nominatim requests.
	RateLimitKey = "nominatim"

	// MinInterval is the minimum time between two Nominatim requests.
	MinInterval = time.Second

	// DefaultTimeout bounds a single lookup.
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 1 << 20
)

// Client resolves coordinates to addresses.
type Client struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	fetcher   *ratelimit.Fetcher
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the Nominatim base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithTimeout sets the lookup timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithFetcher sets the rate limited fetcher requests go through.
func WithFetcher(f *ratelimit.Fetcher) Option {
	return func(c *Client) {
		c.fetcher = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client for the public Nominatim instance unless
// configured otherwise.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = ratelimit.NewFetcher(ratelimit.WithLogger(c.logger))
	}
	c.logger = c.logger.With("component", "geocode")
	return c
}

// Coordinates formats lat and lon with six decimals, the text used when no
// address can be found.
func Coordinates(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 6, 64) + ", " + strconv.FormatFloat(lon, 'f', 6, 64)
}

// Reverse returns a short address for lat and lon: road, house number and
// city, town or village. It falls back to the display name and then to the
// coordinates. A non-2xx answer is not an error and yields the coordinates.
// On a network error the coordinates are returned along with the error.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	fallback := Coordinates(lat, lon)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.fetcher.Fetch(ctx, c.reverseURL(lat, lon), ratelimit.Options{
		Key:         RateLimitKey,
		MinInterval: MinInterval,
		Header:      http.Header{"User-Agent": {c.userAgent}, "Accept": {"application/json"}},
	})
	if err != nil {
		return fallback, fmt.Errorf("reverse geocoding: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("reverse geocoding not available", "status", resp.StatusCode)
		return fallback, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fallback, fmt.Errorf("reading geocoding response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return fallback, errors.New("reverse geocoding: invalid JSON response")
	}
	return formatAddress(gjson.ParseBytes(body), fallback), nil
}

func (c *Client) reverseURL(lat, lon float64) string {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")
	return c.baseURL + "/reverse?" + q.Encode()
}

func formatAddress(res gjson.Result, fallback string) string {
	addr := res.Get("address")
	if !addr.IsObject() {
		return fallback
	}

	var parts []string
	for _, key := range []string{"road", "house_number"} {
		if v := addr.Get(key).String(); v != "" {
			parts = append(parts, v)
		}
	}
	for _, key := range []string{"city", "town", "village"} {
		if v := addr.Get(key).String(); v != "" {
			parts = append(parts, v)
			break
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ", ")
	}
	if name := res.Get("display_name").String(); name != "" {
		return name
	}
	return fallback
}
