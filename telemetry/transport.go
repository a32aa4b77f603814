package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// FetchTransport records the network fetches the request cache controller
// makes. Each fetch is labelled with the controller strategy and the cache
// lookup carried on the request context (see WithStrategy, WithCacheResult).
// A fetch is recorded once its body is closed so the byte count is complete.
type FetchTransport struct {
	base http.RoundTripper
}

// NewFetchTransport wraps base. If base is nil, http.DefaultTransport is used.
func NewFetchTransport(base http.RoundTripper) *FetchTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &FetchTransport{base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *FetchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	f := NetworkFetch{
		Strategy: StrategyFromContext(ctx),
		Cache:    CacheResultFromContext(ctx),
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		f.Outcome = "error"
		if ctx.Err() != nil {
			f.Outcome = "canceled"
		}
		f.Duration = time.Since(start)
		RecordNetworkFetch(ctx, f)
		return nil, err
	}

	f.Outcome = fetchOutcome(resp.StatusCode)
	f.Storable = req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp.StatusCode == http.StatusNotModified {
		f.Cache = CacheHit
	}
	resp.Body = &fetchBody{ReadCloser: resp.Body, ctx: ctx, start: start, fetch: f}
	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status == http.StatusNotModified:
		return "not_modified"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}

// fetchBody counts the bytes a page reads and records the fetch on first Close.
type fetchBody struct {
	io.ReadCloser
	ctx   context.Context
	start time.Time
	fetch NetworkFetch
	once  sync.Once
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.Bytes += int64(n)
	return n, err
}

func (b *fetchBody) Close() error {
	b.once.Do(func() {
		b.fetch.Duration = time.Since(b.start)
		RecordNetworkFetch(b.ctx, b.fetch)
	})
	return b.ReadCloser.Close()
}
