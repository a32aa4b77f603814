// Package ratelimit spaces out outbound requests that share a key.
//
// The limiter remembers the start time of the latest request per key. A new
// request for the key starts no earlier than that time plus the key's minimum
// interval. Different keys never delay each other.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfeidau/health-cache/telemetry"
)

// Doer executes HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options describes one rate limited request.
type Options struct {
	// Key groups requests that share a limit, e.g. "nominatim".
	Key string
	// MinInterval is the minimum time between the starts of two requests with Key.
	// Zero disables limiting.
	MinInterval time.Duration
	// Header is added to the request. Nil sends no extra headers.
	Header http.Header
}

// Limiter hands out start times per key.
type Limiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock sets the time source and sleep function, for testing.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// NewLimiter creates an empty Limiter.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		last:  make(map[string]time.Time),
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until a request for key may start, at least interval after the
// previous start for key. The start is reserved before waiting, so concurrent
// callers queue up behind each other. If ctx is done first the reservation is
// returned and ctx.Err() is returned.
func (l *Limiter) Wait(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if interval <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	now := l.now()
	prev, ok := l.last[key]
	start := now
	if next := prev.Add(interval); ok && next.After(now) {
		start = next
	}
	l.last[key] = start
	l.mu.Unlock()

	delay := start.Sub(now)
	if delay <= 0 {
		return 0, nil
	}
	if err := l.sleep(ctx, delay); err != nil {
		l.release(key, start, prev)
		return 0, err
	}
	return delay, nil
}

// release gives back a reserved start that was never used, unless a later
// caller has already queued behind it.
func (l *Limiter) release(key string, start, prev time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last[key].Equal(start) {
		l.last[key] = prev
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetcher issues GET requests through a Limiter.
type Fetcher struct {
	client  Doer
	limiter *Limiter
	logger  *slog.Logger
	logWait rate.Sometimes
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithClient sets the client used for requests.
func WithClient(client Doer) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithLimiter sets the limiter, so several fetchers can share keys.
func WithLimiter(l *Limiter) FetcherOption {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher using http.DefaultClient and a private Limiter
// unless configured otherwise.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:  http.DefaultClient,
		logger:  slog.Default(),
		logWait: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.limiter == nil {
		f.limiter = NewLimiter()
	}
	f.logger = f.logger.With("component", "ratelimit")
	return f
}

// Fetch waits for the key's slot, then GETs url. The response, or the network
// error, is returned unchanged.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	waited, err := f.limiter.Wait(ctx, opts.Key, opts.MinInterval)
	if err != nil {
		return nil, err
	}
	telemetry.RecordRateLimitWait(ctx, opts.Key, waited)
	if waited > 0 {
		f.logWait.Do(func() {
			f.logger.Debug("rate limited", "key", opts.Key, "waited", waited)
		})
	}

	return f.client.Do(req)
}
