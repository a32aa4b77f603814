package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/health-cache/download"
	"github.com/wolfeidau/health-cache/store/cachestorage"
	"github.com/wolfeidau/health-cache/telemetry"
)

// Strategies, as reported in logs and metrics.
const (
	StrategyGeocode     = "network_only"
	StrategyCrossOrigin = "network_first"
	StrategyNavigate    = "navigate"
	StrategyCacheFirst  = "cache_first"
)

const offlineDocument = `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">` +
	`<meta name="viewport" content="width=device-width,initial-scale=1"><title>Offline</title></head>` +
	`<body><p>No connection. Open the app again when you are back online.</p></body></html>`

// RoundTrip answers req from the network or the caches. It never returns an
// error: when neither can answer it synthesizes a response.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	var (
		strategy string
		resp     *http.Response
		source   telemetry.Source
	)
	switch {
	case !c.sameOrigin(req.URL) && c.isGeocode(req.URL):
		strategy = StrategyGeocode
		resp, source = c.networkOnly(telemetry.WithStrategy(req.Context(), strategy), req)
	case !c.sameOrigin(req.URL):
		strategy = StrategyCrossOrigin
		resp, source = c.networkFirst(telemetry.WithStrategy(req.Context(), strategy), req)
	case isNavigation(req):
		strategy = StrategyNavigate
		resp, source = c.navigate(telemetry.WithStrategy(req.Context(), strategy), req)
	default:
		strategy = StrategyCacheFirst
		resp, source = c.cacheFirst(telemetry.WithStrategy(req.Context(), strategy), req)
	}
	resp.Request = req

	elapsed := time.Since(start)
	cache := interceptCacheResult(strategy, source)
	telemetry.RecordIntercept(req.Context(), strategy, source, cache, resp.StatusCode, elapsed)
	c.logger.Debug("intercepted request",
		"method", req.Method,
		"url", req.URL.String(),
		"strategy", strategy,
		"source", string(source),
		"cache", string(cache),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// interceptCacheResult reports whether the caches answered a request. A
// network answer is a miss for cache-first requests; the other strategies
// only consult the caches once the network has failed.
func interceptCacheResult(strategy string, source telemetry.Source) telemetry.CacheResult {
	switch {
	case source == telemetry.SourceCache || source == telemetry.SourceFallback:
		return telemetry.CacheHit
	case strategy == StrategyGeocode:
		return telemetry.CacheBypass
	case strategy == StrategyCacheFirst || source != telemetry.SourceNetwork:
		return telemetry.CacheMiss
	default:
		return telemetry.CacheBypass
	}
}

func (c *Controller) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.scope.Scheme) && strings.EqualFold(u.Host, c.scope.Host)
}

func (c *Controller) isGeocode(u *url.URL) bool {
	host := c.cfg.GeocodeHost
	if host == "" {
		return false
	}
	name := strings.ToLower(u.Hostname())
	return name == host || strings.HasSuffix(name, "."+host)
}

// isNavigation reports whether req loads a document into a page.
func isNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate" || req.Header.Get("Sec-Fetch-Dest") == "document"
}

// networkOnly never touches the caches. A network failure is answered with a
// 503 JSON body the page can recognize.
func (c *Controller) networkOnly(ctx context.Context, req *http.Request) (*http.Response, telemetry.Source) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		c.logger.Debug("network only fetch failed", "url", req.URL.String(), "error", err)
		return synthesize(req, http.StatusServiceUnavailable, "application/json", `{"error":"offline"}`), telemetry.SourceOffline
	}
	return resp, telemetry.SourceNetwork
}

// networkFirst serves cross-origin requests from the network, caching 2xx GET
// answers, and falls back to the caches when the network fails.
func (c *Controller) networkFirst(ctx context.Context, req *http.Request) (*http.Response, telemetry.Source) {
	resp, err := c.fetchAndStore(ctx, req, func(*http.Response) bool { return true })
	if err == nil {
		return resp, telemetry.SourceNetwork
	}
	c.logger.Debug("network fetch failed", "url", req.URL.String(), "error", err)

	if req.Method == http.MethodGet {
		cached, merr := c.matchAnyHost(ctx, req.URL, cachestorage.MatchOptions{})
		if merr != nil {
			c.logger.Warn("cache lookup failed", "url", req.URL.String(), "error", merr)
		}
		if cached != nil {
			return cached, telemetry.SourceCache
		}
	}
	return synthesize(req, http.StatusGatewayTimeout, "text/plain; charset=utf-8", "Offline"), telemetry.SourceOffline
}

// navigate serves documents from the network, caching same-origin 2xx answers.
// Offline it falls back to the cached page, the cached root document, the
// cached index.html and finally a built-in offline document.
func (c *Controller) navigate(ctx context.Context, req *http.Request) (*http.Response, telemetry.Source) {
	resp, err := c.fetchAndStore(ctx, req, func(resp *http.Response) bool {
		return resp.Request == nil || c.sameOrigin(resp.Request.URL)
	})
	if err == nil {
		return resp, telemetry.SourceNetwork
	}
	c.logger.Debug("navigation fetch failed", "url", req.URL.String(), "error", err)

	candidates := []struct {
		u      *url.URL
		opts   cachestorage.MatchOptions
		source telemetry.Source
	}{
		{req.URL, cachestorage.MatchOptions{IgnoreSearch: true}, telemetry.SourceCache},
		{c.scope, cachestorage.MatchOptions{}, telemetry.SourceFallback},
		{c.scope.ResolveReference(&url.URL{Path: "index.html"}), cachestorage.MatchOptions{}, telemetry.SourceFallback},
	}
	for _, cand := range candidates {
		cached, merr := c.matchAnyHost(ctx, cand.u, cand.opts)
		if merr != nil {
			c.logger.Warn("cache lookup failed", "url", cand.u.String(), "error", merr)
			continue
		}
		if cached != nil {
			return cached, cand.source
		}
	}
	return synthesize(req, http.StatusOK, "text/html; charset=utf-8", offlineDocument), telemetry.SourceOffline
}

// cacheFirst serves same-origin subresources from the caches, fetching and
// caching misses. Concurrent misses for one URL share a single fetch.
func (c *Controller) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, telemetry.Source) {
	if req.Method != http.MethodGet {
		resp, err := c.client.Do(req.WithContext(ctx))
		if err != nil {
			return placeholder(req), telemetry.SourcePlaceholder
		}
		return resp, telemetry.SourceNetwork
	}

	if cached := c.lookup(ctx, req.URL); cached != nil {
		closeBody(req)
		return cached, telemetry.SourceCache
	}

	ctx = telemetry.WithCacheResult(ctx, telemetry.CacheMiss)
	res, _, err := c.downloads.Do(ctx, req.URL.String(), func(fctx context.Context) (*download.Result, error) {
		resp, err := c.client.Do(req.Clone(fctx))
		if err != nil {
			return nil, err
		}
		res, err := download.ReadResult(resp)
		if err != nil {
			return nil, err
		}
		if isOK(res.StatusCode) {
			c.storeInBackground(fctx, req.URL, res)
		}
		return res, nil
	})
	if err == nil {
		return res.Response(req), telemetry.SourceNetwork
	}
	c.logger.Debug("cache first fetch failed", "url", req.URL.String(), "error", err)

	// A concurrent fetch may have filled the cache meanwhile.
	if cached := c.lookup(ctx, req.URL); cached != nil {
		return cached, telemetry.SourceCache
	}
	return placeholder(req), telemetry.SourcePlaceholder
}

func (c *Controller) lookup(ctx context.Context, u *url.URL) *http.Response {
	cached, err := c.matchAnyHost(ctx, u, cachestorage.MatchOptions{})
	if err != nil {
		c.logger.Warn("cache lookup failed", "url", u.String(), "error", err)
		return nil
	}
	return cached
}

// fetchAndStore fetches req. A 2xx GET answer accepted by cacheable is read in
// full, handed back to the caller and written to the cache in the background.
func (c *Controller) fetchAndStore(ctx context.Context, req *http.Request, cacheable func(*http.Response) bool) (*http.Response, error) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet || !isOK(resp.StatusCode) || !cacheable(resp) {
		return resp, nil
	}
	res, err := download.ReadResult(resp)
	if err != nil {
		return nil, err
	}
	c.storeInBackground(ctx, req.URL, res)
	return res.Response(req), nil
}

// storeInBackground writes res to this version's cache without blocking the caller.
func (c *Controller) storeInBackground(ctx context.Context, u *url.URL, res *download.Result) {
	ctx = context.WithoutCancel(ctx)
	key := *u
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.store(ctx, &key, res); err != nil {
			c.logger.Warn("failed to cache response", "url", key.String(), "error", err)
			telemetry.RecordCacheWrite(ctx, "error")
			return
		}
		telemetry.RecordCacheWrite(ctx, "stored")
	}()
}

func (c *Controller) store(ctx context.Context, u *url.URL, res *download.Result) error {
	cache, err := c.storage.OpenCache(ctx, c.cfg.Version)
	if err != nil {
		return err
	}
	return cache.PutBytes(ctx, u, res.StatusCode, res.Header, res.Body)
}

// placeholder answers a subresource that is neither cached nor reachable with
// an empty body of the right type, so pages do not see a network error.
func placeholder(req *http.Request) *http.Response {
	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".js":
		return synthesize(req, http.StatusGatewayTimeout, "application/javascript", "// Offline")
	case ".css":
		return synthesize(req, http.StatusGatewayTimeout, "text/css", "/* Offline */")
	default:
		return synthesize(req, http.StatusGatewayTimeout, "text/plain; charset=utf-8", "Offline")
	}
}

func synthesize(req *http.Request, status int, contentType, body string) *http.Response {
	closeBody(req)
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
