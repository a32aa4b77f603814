// Package download deduplicates concurrent network fetches of the same URL.
// When several requests miss the cache for the same asset at once, only one
// goes to the network and every caller gets its own copy of the response.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// MaxBodySize caps the body a shared fetch buffers.
const MaxBodySize = 32 << 20

// ErrTooLarge is returned when a response body exceeds MaxBodySize.
var ErrTooLarge = errors.New("download: response body too large")

// Result is a fully read response that can be handed to several callers.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after redirects.
	URL string
}

// Response builds a fresh *http.Response for req from r.
func (r *Result) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// ReadResult reads and closes resp into a Result.
func ReadResult(resp *http.Response) (*Result, error) {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, ErrTooLarge
	}
	res := &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		res.URL = resp.Request.URL.String()
	}
	return res, nil
}

// DownloadFunc fetches from the network. The context passed to it is detached
// from any single request so that one caller timing out does not cancel the
// fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. DoChan lets each caller respect its own context deadline
// without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "download")
	return d
}

// Do runs fn once for all concurrent callers with the same key.
// It returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires first, Do returns the context error but the
// in-flight fetch continues for other waiters. A finished fetch, failed or
// not, leaves the group, so the next caller starts a new one.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("shared in-flight fetch", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
