package localdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrVersion is returned when the stored schema version is newer than the requested one.
	ErrVersion = errors.New("localdb: requested version is lower than stored version")

	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("localdb: database closed")
)

// Database is a handle on a database file. The connection is opened lazily and
// shared by every caller; see Open.
type Database struct {
	path   string
	schema Schema
	logger *slog.Logger
	noSync bool

	group singleflight.Group

	mu   sync.Mutex
	conn *Conn
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Database) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(d *Database) {
		d.noSync = noSync
	}
}

// New returns a Database for the file at path using the given schema.
// Nothing is opened until Open or Begin is called.
func New(path string, schema Schema, opts ...Option) *Database {
	d := &Database{
		path:   path,
		schema: schema,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "localdb", "db", schema.Name)
	return d
}

// Schema returns the declared schema.
func (d *Database) Schema() Schema {
	return d.schema
}

// Open returns the live connection, opening it on first use. Concurrent callers
// share one in-flight open. A successful open is kept until Close; a failed open
// is retried by the next call. A done ctx fails before anything is opened.
func (d *Database) Open(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	ch := d.group.DoChan("open", func() (any, error) {
		d.mu.Lock()
		existing := d.conn
		d.mu.Unlock()
		if existing != nil {
			return existing, nil
		}
		conn, err := d.open()
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		return conn, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

// Close closes the live connection if any. A later Open reopens the file.
func (d *Database) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.close()
}

func (d *Database) open() (*Conn, error) {
	bdb, err := bbolt.Open(d.path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	c, err := newCodec()
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}

	conn := &Conn{db: bdb, codec: c, logger: d.logger}
	if err := bdb.Update(func(tx *bbolt.Tx) error {
		return conn.reconcile(tx, d.schema)
	}); err != nil {
		_ = conn.close()
		return nil, err
	}

	d.logger.Debug("opened database", "path", d.path, "version", conn.version)
	return conn, nil
}

// Conn is an open database connection.
type Conn struct {
	db      *bbolt.DB
	codec   *codec
	logger  *slog.Logger
	version uint64
	stores  map[string]StoreSchema
}

// Version returns the schema version stored in the database.
func (c *Conn) Version() uint64 {
	return c.version
}

// StoreNames returns the names of the object stores present in the database.
func (c *Conn) StoreNames() []string {
	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	return names
}

func (c *Conn) close() error {
	c.codec.Close()
	return c.db.Close()
}

// reconcile brings the on-disk layout up to schema. It only ever adds stores and
// indexes; nothing declared earlier is removed.
func (c *Conn) reconcile(tx *bbolt.Tx, schema Schema) error {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return fmt.Errorf("creating meta bucket: %w", err)
	}
	schemas, err := tx.CreateBucketIfNotExists(bucketSchema)
	if err != nil {
		return fmt.Errorf("creating schema bucket: %w", err)
	}

	var stored uint64
	if v := meta.Get(metaVersion); len(v) == 8 {
		stored = binary.BigEndian.Uint64(v)
	}
	if schema.Version < stored {
		return fmt.Errorf("%w: requested %d, stored %d", ErrVersion, schema.Version, stored)
	}

	if schema.Version > stored {
		c.logger.Info("upgrading database", "from", stored, "to", schema.Version)
		for _, ss := range schema.Stores {
			if err := c.ensureStore(tx, schemas, ss); err != nil {
				return err
			}
		}
		if err := meta.Put(metaName, []byte(schema.Name)); err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, schema.Version)
		if err := meta.Put(metaVersion, buf); err != nil {
			return err
		}
		stored = schema.Version
	}

	c.version = stored
	c.stores = make(map[string]StoreSchema)
	return schemas.ForEach(func(k, v []byte) error {
		var ss StoreSchema
		if err := json.Unmarshal(v, &ss); err != nil {
			return fmt.Errorf("decoding schema of store %s: %w", k, err)
		}
		c.stores[string(k)] = ss
		return nil
	})
}

func (c *Conn) ensureStore(tx *bbolt.Tx, schemas *bbolt.Bucket, want StoreSchema) error {
	var have StoreSchema
	if raw := schemas.Get([]byte(want.Name)); raw != nil {
		if err := json.Unmarshal(raw, &have); err != nil {
			return fmt.Errorf("decoding schema of store %s: %w", want.Name, err)
		}
	}

	sb := tx.Bucket([]byte(want.Name))
	if sb == nil {
		var err error
		if sb, err = tx.CreateBucket([]byte(want.Name)); err != nil {
			return fmt.Errorf("creating store %s: %w", want.Name, err)
		}
		if _, err := sb.CreateBucket(bucketRecords); err != nil {
			return fmt.Errorf("creating store %s: %w", want.Name, err)
		}
		have = StoreSchema{Name: want.Name, KeyPath: want.KeyPath}
		c.logger.Info("created object store", "store", want.Name, "keyPath", want.KeyPath)
	}

	for _, idx := range want.Indexes {
		if _, ok := have.Index(idx.Name); ok {
			continue
		}
		if err := c.createIndex(sb, idx); err != nil {
			return fmt.Errorf("creating index %s on %s: %w", idx.Name, want.Name, err)
		}
		have.Indexes = append(have.Indexes, idx)
		c.logger.Info("created index", "store", want.Name, "index", idx.Name, "keyPath", idx.KeyPath)
	}

	raw, err := json.Marshal(have)
	if err != nil {
		return err
	}
	return schemas.Put([]byte(want.Name), raw)
}

// createIndex creates the index bucket and back-fills it from existing records.
func (c *Conn) createIndex(sb *bbolt.Bucket, idx IndexSchema) error {
	ib, err := sb.CreateBucketIfNotExists(indexBucketName(idx.Name))
	if err != nil {
		return err
	}
	records := sb.Bucket(bucketRecords)
	return records.ForEach(func(pk, v []byte) error {
		doc, err := c.codec.decode(v)
		if err != nil {
			return err
		}
		return addIndexEntry(ib, idx, doc, pk)
	})
}

func addIndexEntry(ib *bbolt.Bucket, idx IndexSchema, doc, pk []byte) error {
	ik, ok := extractKey(doc, idx.KeyPath)
	if !ok {
		// Documents without a valid value at the key path are not indexed.
		return nil
	}
	if idx.Unique {
		if k, _ := ib.Cursor().Seek(ik); k != nil && hasPrefix(k, ik) {
			return fmt.Errorf("%w: index %s", ErrConstraint, idx.Name)
		}
	}
	return ib.Put(makeIndexEntry(ik, pk), pk)
}

func removeIndexEntry(ib *bbolt.Bucket, idx IndexSchema, doc, pk []byte) error {
	ik, ok := extractKey(doc, idx.KeyPath)
	if !ok {
		return nil
	}
	return ib.Delete(makeIndexEntry(ik, pk))
}

// Begin opens the database if needed and starts a transaction scoped to stores.
func (d *Database) Begin(ctx context.Context, mode Mode, stores ...string) (*Tx, error) {
	conn, err := d.Open(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Begin(ctx, mode, stores...)
}
