// Package worker intercepts the requests of the app's pages and answers them
// from the network or from versioned response caches, keeping the app usable
// while offline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/health-cache/download"
	"github.com/wolfeidau/health-cache/store/cachestorage"
)

const defaultInstallConcurrency = 8

// ErrInvalidState is returned when a lifecycle step runs out of order.
var ErrInvalidState = errors.New("worker: invalid lifecycle state")

// State is a controller lifecycle state.
type State int32

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Controller answers page requests for one version of the app shell.
// It implements http.RoundTripper and never returns a transport error to a page.
type Controller struct {
	id        uuid.UUID
	cfg       Config
	scope     *url.URL
	storage   *cachestorage.Storage
	client    *http.Client
	downloads *download.Downloader
	logger    *slog.Logger

	base     http.RoundTripper
	breakers BreakerSettings

	state atomic.Int32
	bg    sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTransport sets the transport used for network fetches.
// Defaults to http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Controller) {
		c.base = rt
	}
}

// WithBreaker tunes the per-host circuit breakers in front of the network.
func WithBreaker(s BreakerSettings) Option {
	return func(c *Controller) {
		c.breakers = s
	}
}

// WithDownloader sets the downloader that deduplicates cache-first misses.
func WithDownloader(d *download.Downloader) Option {
	return func(c *Controller) {
		c.downloads = d
	}
}

// New returns a controller for cfg backed by storage. Nothing is fetched
// until Install.
func New(storage *cachestorage.Storage, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	scope, _ := cfg.scopeURL()
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = defaultInstallConcurrency
	}

	c := &Controller{
		id:      uuid.New(),
		cfg:     cfg,
		scope:   scope,
		storage: storage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "worker", "version", cfg.Version)
	if c.downloads == nil {
		c.downloads = download.New(download.WithLogger(c.logger))
	}
	c.client = &http.Client{
		Transport: newBreakerTransport(c.base, c.breakers, c.logger),
	}
	return c, nil
}

// ID identifies this controller instance.
func (c *Controller) ID() uuid.UUID {
	return c.id
}

// Version returns the cache name this controller writes to.
func (c *Controller) Version() string {
	return c.cfg.Version
}

// Scope returns the URL prefix this controller serves.
func (c *Controller) Scope() *url.URL {
	u := *c.scope
	return &u
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) transition(from, to State) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s to %s from %s", ErrInvalidState, from, to, c.State())
	}
	c.logger.Debug("state change", "from", from.String(), "to", to.String())
	return nil
}

// Install opens this version's cache and fetches every manifest entry into it.
// Entries are fetched concurrently and independently: a failed entry is
// logged and skipped. Install only fails when the cache cannot be opened or
// ctx ends.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(Parsed, Installing); err != nil {
		return err
	}
	cache, err := c.storage.OpenCache(ctx, c.cfg.Version)
	if err != nil {
		c.markRedundant()
		return fmt.Errorf("opening cache %s: %w", c.cfg.Version, err)
	}

	var cached atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.cfg.InstallConcurrency)
	for _, entry := range c.cfg.Manifest {
		g.Go(func() error {
			u, err := c.resolve(entry)
			if err != nil {
				c.logger.Warn("skipping manifest entry", "entry", entry, "error", err)
				return nil
			}
			if err := c.precache(ctx, cache, u); err != nil {
				c.logger.Warn("failed to cache manifest entry", "url", u.String(), "error", err)
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		c.markRedundant()
		return err
	}

	if c.cfg.DiscoverShell {
		n, err := c.discoverShell(ctx, cache)
		if err != nil {
			c.logger.Warn("shell discovery failed", "error", err)
		}
		cached.Add(int64(n))
	}

	c.logger.Info("installed", "cached", cached.Load(), "manifest", len(c.cfg.Manifest))
	return c.transition(Installing, Installed)
}

// precache fetches u and stores a 2xx answer in cache.
func (c *Controller) precache(ctx context.Context, cache *cachestorage.Cache, u *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if !isOK(resp.StatusCode) {
		_ = resp.Body.Close()
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return cache.Put(ctx, req, resp)
}

// Activate deletes every cache whose name is not this controller's version.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(Installed, Activating); err != nil {
		return err
	}
	names, err := c.storage.Keys(ctx)
	if err != nil {
		_ = c.transition(Activating, Installed)
		return fmt.Errorf("listing caches: %w", err)
	}
	for _, name := range names {
		if name == c.cfg.Version {
			continue
		}
		if _, err := c.storage.Delete(ctx, name); err != nil {
			_ = c.transition(Activating, Installed)
			return fmt.Errorf("deleting cache %s: %w", name, err)
		}
		c.logger.Info("deleted stale cache", "cache", name)
	}
	return c.transition(Activating, Activated)
}

func (c *Controller) markRedundant() {
	prev := State(c.state.Swap(int32(Redundant)))
	if prev != Redundant {
		c.logger.Info("controller redundant", "from", prev.String())
	}
}

// Wait blocks until every background cache write has finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Close waits for background cache writes and marks the controller redundant.
func (c *Controller) Close() error {
	c.Wait()
	c.markRedundant()
	return nil
}

// resolve resolves a manifest entry against the scope.
func (c *Controller) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return c.scope.ResolveReference(u), nil
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}
