package worker

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/wolfeidau/health-cache/backend"
	"github.com/wolfeidau/health-cache/store/cachestorage"
	"github.com/wolfeidau/health-cache/telemetry"
)

// testOrigin serves a fixed set of files and counts requests per path.
type testOrigin struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.mu.Unlock()

		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		ct := mime.TypeByExtension(path.Ext(r.URL.Path))
		if ct == "" {
			ct = "text/html; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) Hits(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

// switchTransport goes to the network until it is switched offline.
type switchTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (t *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return Offline.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestStorage(t *testing.T) *cachestorage.Storage {
	t.Helper()
	dir := t.TempDir()
	fs, err := backend.NewFilesystem(filepath.Join(dir, "bodies"))
	require.NoError(t, err)
	s, err := cachestorage.Open(filepath.Join(dir, "caches.db"), fs, cachestorage.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestController(t *testing.T, storage *cachestorage.Storage, cfg Config, rt http.RoundTripper) *Controller {
	t.Helper()
	c, err := New(storage, cfg,
		WithTransport(rt),
		WithBreaker(BreakerSettings{ConsecutiveFailures: 1000}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func navRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	return req
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func putEntry(t *testing.T, s *cachestorage.Storage, cache, rawURL, contentType, body string) {
	t.Helper()
	ctx := context.Background()
	c, err := s.OpenCache(ctx, cache)
	require.NoError(t, err)
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	require.NoError(t, c.PutBytes(ctx, u, http.StatusOK, h, []byte(body)))
}

func cacheKeys(t *testing.T, s *cachestorage.Storage, name string) []string {
	t.Helper()
	c, err := s.OpenCache(context.Background(), name)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "installing", Installing.String())
	assert.Equal(t, "activated", Activated.String())
	assert.Equal(t, "redundant", Redundant.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestNew_InvalidConfig(t *testing.T) {
	s := newTestStorage(t)

	_, err := New(s, Config{Scope: "http://localhost:8001/"})
	require.Error(t, err)

	_, err = New(s, Config{Version: "v1", Scope: "/relative/"})
	require.Error(t, err)
}

func TestController_Scope(t *testing.T) {
	c := newTestController(t, newTestStorage(t), DefaultConfig("http://localhost:8001/app?x=1"), Offline)
	require.Equal(t, "http://localhost:8001/app/", c.Scope().String())
	require.Equal(t, DefaultVersion, c.Version())
}

func TestController_OfflineInstallServesOfflineDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	c := newTestController(t, s, DefaultConfig("http://localhost:8001/"), Offline)

	require.NoError(t, c.Install(ctx))
	require.NoError(t, c.Activate(ctx))
	require.Equal(t, Activated, c.State())
	require.Empty(t, cacheKeys(t, s, DefaultVersion))

	resp, err := c.RoundTrip(navRequest(t, "http://localhost:8001/"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Contains(t, readBody(t, resp), "<title>Offline</title>")
}

func TestController_InstallCachesManifest(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t, map[string]string{
		"/":            "<html>root</html>",
		"/index.html":  "<html>index</html>",
		"/styles.css":  "body{}",
		"/src/main.js": "main()",
	})
	s := newTestStorage(t)
	cfg := Config{
		Version:  "v1",
		Scope:    origin.URL + "/",
		Manifest: []string{"./", "./index.html", "./styles.css", "./src/main.js", "./missing.js"},
	}
	c := newTestController(t, s, cfg, http.DefaultTransport)

	require.NoError(t, c.Install(ctx))
	require.Equal(t, Installed, c.State())
	require.ElementsMatch(t, []string{
		origin.URL + "/",
		origin.URL + "/index.html",
		origin.URL + "/styles.css",
		origin.URL + "/src/main.js",
	}, cacheKeys(t, s, "v1"))
	require.Equal(t, 1, origin.Hits("/missing.js"))
}

func TestController_LifecycleOrder(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, newTestStorage(t), Config{Version: "v1", Scope: "http://localhost:8001/"}, Offline)

	require.ErrorIs(t, c.Activate(ctx), ErrInvalidState)
	require.NoError(t, c.Install(ctx))
	require.ErrorIs(t, c.Install(ctx), ErrInvalidState)
	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Close())
	require.Equal(t, Redundant, c.State())
}

func TestController_InstallCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestController(t, newTestStorage(t), Config{Version: "v1", Scope: "http://localhost:8001/"}, Offline)

	require.ErrorIs(t, c.Install(ctx), context.Canceled)
	require.Equal(t, Redundant, c.State())
}

func TestController_ActivateDeletesStaleCaches(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	putEntry(t, s, "perfecthealth-cache-v17", "http://localhost:8001/app.js", "application/javascript", "old()")
	putEntry(t, s, "other", "http://localhost:8001/x.css", "text/css", "x{}")

	c := newTestController(t, s, Config{Version: "v18", Scope: "http://localhost:8001/"}, Offline)
	require.NoError(t, c.Install(ctx))
	require.NoError(t, c.Activate(ctx))

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v18"}, names)

	// The old version's entries are gone with their bucket.
	resp, err := c.RoundTrip(getRequest(t, "http://localhost:8001/app.js"))
	require.NoError(t, err)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Equal(t, "// Offline", readBody(t, resp))
}

func TestController_NavigationFallbacks(t *testing.T) {
	const scope = "http://localhost:8001/"

	tests := []struct {
		name    string
		entries map[string]string
		target  string
		want    string
	}{
		{
			name:    "exact page ignoring query",
			entries: map[string]string{scope + "page": "page", scope: "root", scope + "index.html": "index"},
			target:  scope + "page?tab=meals",
			want:    "page",
		},
		{
			name:    "root document",
			entries: map[string]string{scope: "root", scope + "index.html": "index"},
			target:  scope + "page",
			want:    "root",
		},
		{
			name:    "index document",
			entries: map[string]string{scope + "index.html": "index"},
			target:  scope + "page",
			want:    "index",
		},
		{
			name:    "aliased root",
			entries: map[string]string{"http://127.0.0.1:8001/": "aliased root"},
			target:  scope + "page",
			want:    "aliased root",
		},
		{
			name:   "offline document",
			target: scope + "page",
			want:   "<title>Offline</title>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(t)
			for u, body := range tt.entries {
				putEntry(t, s, "v1", u, "text/html", body)
			}
			c := newTestController(t, s, Config{Version: "v1", Scope: scope}, Offline)

			resp, err := c.RoundTrip(navRequest(t, tt.target))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Contains(t, readBody(t, resp), tt.want)
		})
	}
}

func TestController_NavigationCachesSameOriginOnly(t *testing.T) {
	other := newTestOrigin(t, map[string]string{"/landing": "elsewhere"})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/away" {
			http.Redirect(w, r, other.URL+"/landing", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "page")
	}))
	t.Cleanup(origin.Close)

	s := newTestStorage(t)
	rt := &switchTransport{base: http.DefaultTransport}
	c := newTestController(t, s, Config{Version: "v1", Scope: origin.URL + "/"}, rt)

	resp, err := c.RoundTrip(navRequest(t, origin.URL+"/page"))
	require.NoError(t, err)
	require.Equal(t, "page", readBody(t, resp))

	resp, err = c.RoundTrip(navRequest(t, origin.URL+"/away"))
	require.NoError(t, err)
	require.Equal(t, "elsewhere", readBody(t, resp))
	c.Wait()

	require.Equal(t, []string{origin.URL + "/page"}, cacheKeys(t, s, "v1"))

	rt.offline.Store(true)
	resp, err = c.RoundTrip(navRequest(t, origin.URL+"/page"))
	require.NoError(t, err)
	require.Equal(t, "page", readBody(t, resp))
}

func TestController_Placeholders(t *testing.T) {
	c := newTestController(t, newTestStorage(t), Config{Version: "v1", Scope: "http://localhost:8001/"}, Offline)

	tests := []struct {
		path        string
		contentType string
		body        string
	}{
		{"src/main.js", "application/javascript", "// Offline"},
		{"styles.css", "text/css", "/* Offline */"},
		{"icons/icon-192.png", "text/plain; charset=utf-8", "Offline"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := c.RoundTrip(getRequest(t, "http://localhost:8001/"+tt.path))
			require.NoError(t, err)
			require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
			require.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			require.Equal(t, tt.body, readBody(t, resp))
		})
	}
}

func TestController_CacheFirst(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/app.js": "app()"})
	s := newTestStorage(t)
	rt := &switchTransport{base: http.DefaultTransport}
	c := newTestController(t, s, Config{Version: "v1", Scope: origin.URL + "/"}, rt)

	resp, err := c.RoundTrip(getRequest(t, origin.URL+"/app.js"))
	require.NoError(t, err)
	require.Equal(t, "app()", readBody(t, resp))
	c.Wait()

	resp, err = c.RoundTrip(getRequest(t, origin.URL+"/app.js"))
	require.NoError(t, err)
	require.Equal(t, "app()", readBody(t, resp))
	require.Equal(t, 1, origin.Hits("/app.js"))

	rt.offline.Store(true)
	resp, err = c.RoundTrip(getRequest(t, origin.URL+"/app.js"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "app()", readBody(t, resp))
}

func TestController_CacheFirstSkipsErrors(t *testing.T) {
	origin := newTestOrigin(t, nil)
	s := newTestStorage(t)
	c := newTestController(t, s, Config{Version: "v1", Scope: origin.URL + "/"}, http.DefaultTransport)

	for range 2 {
		resp, err := c.RoundTrip(getRequest(t, origin.URL+"/missing.js"))
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		_ = readBody(t, resp)
		c.Wait()
	}
	require.Equal(t, 2, origin.Hits("/missing.js"))
	require.Empty(t, cacheKeys(t, s, "v1"))
}

func TestController_CacheFirstSharesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-release
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/javascript"}},
			Body:       io.NopCloser(strings.NewReader("shared()")),
			Request:    req,
		}, nil
	})
	c := newTestController(t, newTestStorage(t), Config{Version: "v1", Scope: "http://localhost:8001/"}, rt)

	const callers = 5
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, "http://localhost:8001/app.js", nil)
			if !assert.NoError(t, err) {
				return
			}
			resp, err := c.RoundTrip(req)
			if !assert.NoError(t, err) {
				return
			}
			b, _ := io.ReadAll(resp.Body)
			bodies[i] = string(b)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, b := range bodies {
		require.Equal(t, "shared()", b)
	}
}

func TestController_AliasLookup(t *testing.T) {
	s := newTestStorage(t)
	putEntry(t, s, "v1", "http://127.0.0.1:8001/app.js", "application/javascript", "aliased()")
	c := newTestController(t, s, Config{Version: "v1", Scope: "http://localhost:8001/"}, Offline)

	resp, err := c.RoundTrip(getRequest(t, "http://localhost:8001/app.js"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "aliased()", readBody(t, resp))
}

func TestAlternateHost(t *testing.T) {
	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"localhost", "127.0.0.1", true},
		{"127.0.0.1", "localhost", true},
		{"localhost:8001", "127.0.0.1:8001", true},
		{"127.0.0.1:8001", "localhost:8001", true},
		{"example.com", "", false},
		{"example.com:8001", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, ok := alternateHost(tt.host)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestController_Geocode(t *testing.T) {
	var offline atomic.Bool
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if offline.Load() {
			return nil, ErrOffline
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"display_name":"Somewhere"}`)),
			Request:    req,
		}, nil
	})
	s := newTestStorage(t)
	c := newTestController(t, s, DefaultConfig("http://localhost:8001/"), rt)
	target := "https://nominatim.openstreetmap.org/reverse?format=json&lat=52.2&lon=21.0"

	resp, err := c.RoundTrip(getRequest(t, target))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "Somewhere")
	c.Wait()
	require.Empty(t, cacheKeys(t, s, DefaultVersion))

	offline.Store(true)
	resp, err = c.RoundTrip(getRequest(t, target))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"error":"offline"}`, readBody(t, resp))
}

func TestController_CustomGeocodeHost(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, ErrOffline })
	s := newTestStorage(t)
	cfg := DefaultConfig("http://localhost:8001/")
	cfg.GeocodeHost = GeocodeHost("https://geo.example.org/nominatim")
	c := newTestController(t, s, cfg, rt)

	resp, err := c.RoundTrip(getRequest(t, "https://geo.example.org/nominatim/reverse?lat=1&lon=2"))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.JSONEq(t, `{"error":"offline"}`, readBody(t, resp))

	// The default host is now an ordinary cross-origin request.
	resp, err = c.RoundTrip(getRequest(t, "https://nominatim.openstreetmap.org/reverse?lat=1&lon=2"))
	require.NoError(t, err)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestGeocodeHost(t *testing.T) {
	require.Equal(t, "nominatim.openstreetmap.org", DefaultGeocodeHost)
	require.Equal(t, "geo.example.org", GeocodeHost("https://Geo.Example.org:8443/x"))
	require.Empty(t, GeocodeHost("not a url"))
	require.Empty(t, GeocodeHost("://bad"))
}

func TestController_FetchesCarryStrategy(t *testing.T) {
	type seen struct {
		strategy string
		cache    telemetry.CacheResult
	}
	var (
		mu  sync.Mutex
		got = make(map[string]seen)
	)
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		got[req.URL.Host+req.URL.Path] = seen{
			strategy: telemetry.StrategyFromContext(req.Context()),
			cache:    telemetry.CacheResultFromContext(req.Context()),
		}
		mu.Unlock()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    req,
		}, nil
	})
	s := newTestStorage(t)
	c := newTestController(t, s, DefaultConfig("http://localhost:8001/"), rt)

	for _, req := range []*http.Request{
		getRequest(t, "http://localhost:8001/app.js"),
		navRequest(t, "http://localhost:8001/page"),
		getRequest(t, "https://cdn.example.com/lib.js"),
		getRequest(t, "https://nominatim.openstreetmap.org/reverse"),
	} {
		resp, err := c.RoundTrip(req)
		require.NoError(t, err)
		_ = readBody(t, resp)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, seen{StrategyCacheFirst, telemetry.CacheMiss}, got["localhost:8001/app.js"])
	require.Equal(t, seen{StrategyNavigate, telemetry.CacheBypass}, got["localhost:8001/page"])
	require.Equal(t, seen{StrategyCrossOrigin, telemetry.CacheBypass}, got["cdn.example.com/lib.js"])
	require.Equal(t, seen{StrategyGeocode, telemetry.CacheBypass}, got["nominatim.openstreetmap.org/reverse"])
}

func TestInterceptCacheResult(t *testing.T) {
	tests := []struct {
		strategy string
		source   telemetry.Source
		want     telemetry.CacheResult
	}{
		{StrategyCacheFirst, telemetry.SourceCache, telemetry.CacheHit},
		{StrategyCacheFirst, telemetry.SourceNetwork, telemetry.CacheMiss},
		{StrategyCacheFirst, telemetry.SourcePlaceholder, telemetry.CacheMiss},
		{StrategyNavigate, telemetry.SourceNetwork, telemetry.CacheBypass},
		{StrategyNavigate, telemetry.SourceFallback, telemetry.CacheHit},
		{StrategyNavigate, telemetry.SourceOffline, telemetry.CacheMiss},
		{StrategyCrossOrigin, telemetry.SourceNetwork, telemetry.CacheBypass},
		{StrategyCrossOrigin, telemetry.SourceCache, telemetry.CacheHit},
		{StrategyGeocode, telemetry.SourceNetwork, telemetry.CacheBypass},
		{StrategyGeocode, telemetry.SourceOffline, telemetry.CacheBypass},
	}
	for _, tt := range tests {
		t.Run(tt.strategy+"/"+string(tt.source), func(t *testing.T) {
			require.Equal(t, tt.want, interceptCacheResult(tt.strategy, tt.source))
		})
	}
}

func TestController_CrossOriginNetworkFirst(t *testing.T) {
	var offline atomic.Bool
	var calls atomic.Int32
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		if offline.Load() {
			return nil, ErrOffline
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/javascript"}},
			Body:       io.NopCloser(strings.NewReader("cdn()")),
			Request:    req,
		}, nil
	})
	s := newTestStorage(t)
	c := newTestController(t, s, Config{Version: "v1", Scope: "http://localhost:8001/"}, rt)

	resp, err := c.RoundTrip(getRequest(t, "https://cdn.example.com/lib.js"))
	require.NoError(t, err)
	require.Equal(t, "cdn()", readBody(t, resp))
	c.Wait()

	// Online requests always go to the network.
	resp, err = c.RoundTrip(getRequest(t, "https://cdn.example.com/lib.js"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	c.Wait()
	require.Equal(t, int32(2), calls.Load())

	offline.Store(true)
	resp, err = c.RoundTrip(getRequest(t, "https://cdn.example.com/lib.js"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cdn()", readBody(t, resp))

	resp, err = c.RoundTrip(getRequest(t, "https://cdn.example.com/other.js"))
	require.NoError(t, err)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestController_NonGETIsNotCached(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    req,
		}, nil
	})
	s := newTestStorage(t)
	c := newTestController(t, s, Config{Version: "v1", Scope: "http://localhost:8001/"}, rt)

	for range 2 {
		req, err := http.NewRequest(http.MethodPost, "http://localhost:8001/api", strings.NewReader("x"))
		require.NoError(t, err)
		resp, err := c.RoundTrip(req)
		require.NoError(t, err)
		require.Equal(t, "ok", readBody(t, resp))
	}
	c.Wait()
	require.Equal(t, int32(2), calls.Load())
	require.Empty(t, cacheKeys(t, s, "v1"))
}

func TestController_BreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
	s := newTestStorage(t)
	c, err := New(s, Config{Version: "v1", Scope: "http://localhost:8001/"},
		WithTransport(rt),
		WithBreaker(BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour}),
	)
	require.NoError(t, err)

	for range 5 {
		resp, err := c.RoundTrip(getRequest(t, "https://cdn.example.com/lib.js"))
		require.NoError(t, err)
		require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
		_ = readBody(t, resp)
	}
	require.Equal(t, int32(2), calls.Load())

	// Other hosts have their own breaker.
	resp, err := c.RoundTrip(getRequest(t, "https://fonts.example.com/a.css"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, int32(3), calls.Load())
}

func TestShellRefs(t *testing.T) {
	const doc = `<!DOCTYPE html><html><head>
<link rel="stylesheet" href="./styles.css">
<link rel="manifest" href="manifest.webmanifest">
<link rel="preconnect" href="https://nominatim.openstreetmap.org">
<script type="module" src="./src/main.js"></script>
</head><body><img src="icons/icon-192.png"><script src="./src/main.js"></script></body></html>`

	root, err := html.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, []string{
		"./styles.css",
		"manifest.webmanifest",
		"./src/main.js",
		"icons/icon-192.png",
	}, shellRefs(root))
}

func TestController_DiscoverShell(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t, map[string]string{
		"/": `<html><head><link rel="stylesheet" href="./styles.css">` +
			`<script src="https://cdn.example.com/x.js"></script></head>` +
			`<body><img src="logo.png"><script src="./src/main.js"></script></body></html>`,
		"/styles.css":  "body{}",
		"/src/main.js": "main()",
		"/logo.png":    "png",
	})
	s := newTestStorage(t)
	cfg := Config{Version: "v1", Scope: origin.URL + "/", Manifest: []string{"./", "./styles.css"}, DiscoverShell: true}
	c := newTestController(t, s, cfg, http.DefaultTransport)

	require.NoError(t, c.Install(ctx))
	require.ElementsMatch(t, []string{
		origin.URL + "/",
		origin.URL + "/styles.css",
		origin.URL + "/src/main.js",
		origin.URL + "/logo.png",
	}, cacheKeys(t, s, "v1"))
	require.Equal(t, 1, origin.Hits("/styles.css"))
}
