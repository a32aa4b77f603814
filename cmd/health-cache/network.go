package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fatih/color"

	"github.com/wolfeidau/health-cache/geocode"
	"github.com/wolfeidau/health-cache/ratelimit"
	"github.com/wolfeidau/health-cache/worker"
)

// openPage registers the configured controller and opens a page in its scope.
// With offline set the controller and the page have no network.
func (a *App) openPage(ctx context.Context, offline bool) (*worker.Page, func(), error) {
	storage, err := a.Storage()
	if err != nil {
		return nil, nil, err
	}

	var network http.RoundTripper = http.DefaultTransport
	if offline {
		network = worker.Offline
	}
	c, err := worker.New(storage, a.cfg.Worker(),
		worker.WithLogger(a.logger),
		worker.WithTransport(network),
		worker.WithBreaker(a.cfg.Breaker()),
	)
	if err != nil {
		return nil, nil, err
	}

	reg := worker.NewRegistration(network, a.logger)
	if err := reg.Register(ctx, c); err != nil {
		return nil, nil, err
	}
	page, err := reg.OpenPage(c.Scope().String())
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		page.Close()
		_ = c.Close()
	}
	return page, closer, nil
}

// FetchCmd fetches a URL the way a page of the app would.
type FetchCmd struct {
	URL      string `arg:"" help:"URL or path relative to the scope."`
	Offline  bool   `help:"Run without network access."`
	Navigate bool   `help:"Fetch as a page navigation instead of a subresource."`
	Quiet    bool   `short:"q" help:"Print only the status line."`
}

func (c *FetchCmd) Run(ctx context.Context, app *App) error {
	page, closePage, err := app.openPage(ctx, c.Offline)
	if err != nil {
		return err
	}
	defer closePage()

	fetch := page.Get
	if c.Navigate {
		fetch = page.Navigate
	}
	resp, err := fetch(ctx, c.URL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	status := color.GreenString(resp.Status)
	if resp.StatusCode >= 400 {
		status = color.RedString(resp.Status)
	}
	fmt.Fprintf(app.out, "%s %s %s\n", status, resp.Request.URL, color.New(color.Faint).Sprint(resp.Header.Get("Content-Type")))
	if c.Quiet {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	_, err = io.Copy(app.out, resp.Body)
	return err
}

// CacheCmd inspects the request caches.
type CacheCmd struct {
	Keys  CacheKeysCmd  `cmd:"" help:"List caches and their entries."`
	Purge CachePurgeCmd `cmd:"" help:"Delete every cache and its bodies."`
}

// CacheKeysCmd lists every cache and its entries.
type CacheKeysCmd struct{}

func (c *CacheKeysCmd) Run(ctx context.Context, app *App) error {
	storage, err := app.Storage()
	if err != nil {
		return err
	}
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(app.out, "No caches.")
		return nil
	}
	bold := color.New(color.Bold)
	for _, name := range names {
		cache, err := storage.OpenCache(ctx, name)
		if err != nil {
			return err
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.out, "%s (%d)\n", bold.Sprint(name), len(keys))
		for _, k := range keys {
			fmt.Fprintf(app.out, "  %s\n", k)
		}
	}
	return nil
}

// CachePurgeCmd deletes every cache.
type CachePurgeCmd struct{}

func (c *CachePurgeCmd) Run(ctx context.Context, app *App) error {
	storage, err := app.Storage()
	if err != nil {
		return err
	}
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("deleting cache %s: %w", name, err)
		}
	}
	fmt.Fprintf(app.out, "%s %d caches\n", color.GreenString("purged"), len(names))
	return nil
}

// GeocodeCmd resolves coordinates to an address.
type GeocodeCmd struct {
	Lat     float64 `arg:"" help:"Latitude."`
	Lon     float64 `arg:"" help:"Longitude."`
	Offline bool    `help:"Run without network access."`
}

func (c *GeocodeCmd) Run(ctx context.Context, app *App) error {
	page, closePage, err := app.openPage(ctx, c.Offline)
	if err != nil {
		return err
	}
	defer closePage()

	client := geocode.NewClient(
		geocode.WithBaseURL(app.cfg.Geocode.BaseURL),
		geocode.WithUserAgent(app.cfg.Geocode.UserAgent),
		geocode.WithTimeout(app.cfg.Geocode.Timeout),
		geocode.WithLogger(app.logger),
		geocode.WithFetcher(ratelimit.NewFetcher(
			ratelimit.WithClient(page.Client()),
			ratelimit.WithLogger(app.logger),
		)),
	)
	addr, err := client.Reverse(ctx, c.Lat, c.Lon)
	if err != nil {
		fmt.Fprintln(app.out, color.YellowString("geocoding failed: %v", err))
	}
	fmt.Fprintln(app.out, addr)
	return nil
}
