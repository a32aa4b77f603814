// Package cachestorage stores HTTP responses in named caches, keyed by request URL.
//
// Cache entries live in bbolt, one nested bucket per cache. Response bodies are
// stored once per digest in a backend.FramedBackend and shared between caches.
// Deleting a cache sweeps bodies that no remaining entry references.
package cachestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/health-cache/backend"
	"github.com/wolfeidau/health-cache/telemetry"
)

var (
	// ErrNotFound is returned when no cached response matches a request.
	ErrNotFound = errors.New("cachestorage: no match")

	// ErrNotCacheable is returned when putting a request that cannot be cached.
	ErrNotCacheable = errors.New("cachestorage: request not cacheable")
)

var bucketCaches = []byte("caches")

// Entry is the stored metadata of a cached response.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Digest   Digest      `json:"digest"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

// MatchOptions controls how requests are matched against cached entries.
type MatchOptions struct {
	// IgnoreSearch ignores the query string of both the request and the entries.
	IgnoreSearch bool
}

// Storage is the set of named caches.
type Storage struct {
	db     *bbolt.DB
	bodies *bodyStore
	logger *slog.Logger
	now    func() time.Time
	noSync bool

	// sweepMu keeps a sweep from deleting a body between its write and the
	// commit of the entry that references it.
	sweepMu sync.RWMutex
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(s *Storage) {
		s.noSync = noSync
	}
}

// Open opens the cache index at path, storing bodies in b.
func Open(path string, b backend.FramedBackend, opts ...Option) (*Storage, error) {
	s := &Storage{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cachestorage")
	s.bodies = &bodyStore{backend: b, now: s.now}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCaches)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating caches bucket: %w", err)
	}
	s.db = db

	s.logger.Debug("opened cache storage", "path", path)
	return s, nil
}

// Close closes the cache index.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenCache returns the cache called name, creating it if needed.
func (s *Storage) OpenCache(ctx context.Context, name string) (*Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("cachestorage: empty cache name")
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache %s: %w", name, err)
	}
	return &Cache{storage: s, name: name}, nil
}

// Has reports whether a cache called name exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// Keys returns the names of all caches.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Delete removes the cache called name and reports whether it existed.
// Bodies left unreferenced are swept.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		if caches.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return caches.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("deleting cache %s: %w", name, err)
	}
	if !existed {
		return false, nil
	}
	s.logger.Info("deleted cache", "cache", name)

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("sweeping bodies failed", "error", err)
	}
	return true, nil
}

// Match looks request up in every cache, in name order, and returns the first hit.
func (s *Storage) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &Cache{storage: s, name: name}
		resp, err := c.Match(ctx, req, opts)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return resp, err
	}
	return nil, ErrNotFound
}

// Sweep deletes stored bodies that no cache entry references and returns how
// many were deleted.
func (s *Storage) Sweep(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	referenced := make(map[Digest]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		return caches.ForEachBucket(func(name []byte) error {
			return caches.Bucket(name).ForEach(func(_, v []byte) error {
				var e Entry
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("decoding entry in %s: %w", name, err)
				}
				referenced[e.Digest] = struct{}{}
				return nil
			})
		})
	})
	if err != nil {
		return 0, err
	}

	stored, err := s.bodies.list(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, d := range stored {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, ok := referenced[d]; ok {
			continue
		}
		if err := s.bodies.delete(ctx, d); err != nil {
			s.logger.Error("failed to delete orphan body", "digest", d.Short(), "error", err)
			continue
		}
		deleted++
		s.logger.Debug("deleted orphan body", "digest", d.Short())
	}

	telemetry.RecordSweep(ctx, deleted, time.Since(start))
	if deleted > 0 {
		s.logger.Info("swept orphan bodies", "deleted", deleted, "kept", len(stored)-deleted)
	}
	return deleted, nil
}

// Cache is one named cache.
type Cache struct {
	storage *Storage
	name    string
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Put stores resp as the answer to req, replacing any previous entry for the
// same URL. It consumes and closes resp.Body. Only GET requests are cacheable.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	if req.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrNotCacheable, req.Method)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return c.PutBytes(ctx, req.URL, resp.StatusCode, resp.Header, data)
}

// PutBytes stores a response given as status, header and body for u.
func (c *Cache) PutBytes(ctx context.Context, u *url.URL, status int, header http.Header, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := c.storage
	s.sweepMu.RLock()
	defer s.sweepMu.RUnlock()

	d, err := s.bodies.put(ctx, header.Get("Content-Type"), body)
	if err != nil {
		return err
	}

	e := Entry{
		URL:      entryKey(u, false),
		Status:   status,
		Header:   header.Clone(),
		Digest:   d,
		Size:     int64(len(body)),
		StoredAt: s.now().UTC(),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			// The cache was deleted under us.
			return fmt.Errorf("cachestorage: cache %s deleted", c.name)
		}
		return b.Put([]byte(e.URL), raw)
	})
	if err != nil {
		return fmt.Errorf("storing entry: %w", err)
	}
	return nil
}

// Match returns the cached response for req, or ErrNotFound.
func (c *Cache) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, ErrNotFound
	}

	e, err := c.lookup(req.URL, opts)
	if err != nil {
		return nil, err
	}

	body, err := c.storage.bodies.get(ctx, e.Digest)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			c.storage.logger.Warn("cached body missing", "cache", c.name, "url", e.URL)
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e.response(req, body), nil
}

func (c *Cache) lookup(u *url.URL, opts MatchOptions) (*Entry, error) {
	var found *Entry
	err := c.storage.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			return nil
		}

		var raw []byte
		if !opts.IgnoreSearch {
			raw = b.Get([]byte(entryKey(u, false)))
		} else {
			// Entries with any query string sort directly after the bare URL.
			want := entryKey(u, true)
			cur := b.Cursor()
			for k, v := cur.Seek([]byte(want)); k != nil && bytes.HasPrefix(k, []byte(want)); k, v = cur.Next() {
				if len(k) == len(want) || k[len(want)] == '?' {
					raw = v
					break
				}
			}
		}
		if raw == nil {
			return nil
		}

		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		found = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Keys returns the URLs of all entries in the cache.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := c.storage.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Delete removes the entry for u and reports whether it existed.
// The body is left for the next sweep.
func (c *Cache) Delete(ctx context.Context, u *url.URL) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := []byte(entryKey(u, false))
	var existed bool
	err := c.storage.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil || b.Get(key) == nil {
			return nil
		}
		existed = true
		return b.Delete(key)
	})
	return existed, err
}

func (e *Entry) response(req *http.Request, body []byte) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// entryKey is the stored form of a request URL: no fragment, and no query
// string when stripQuery is set.
func entryKey(u *url.URL, stripQuery bool) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if i := strings.IndexByte(c.Path, '#'); i >= 0 {
		c.Path = c.Path[:i]
		c.RawPath = ""
	}
	if stripQuery {
		c.RawQuery = ""
		c.ForceQuery = false
	}
	return c.String()
}
