package localdb

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"
)

var (
	// ErrConstraint is returned when an add would duplicate a primary key or a unique index key.
	ErrConstraint = errors.New("localdb: constraint violation")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("localdb: not found")

	// ErrStoreNotFound is returned when a store is not part of the database.
	ErrStoreNotFound = errors.New("localdb: store not found")

	// ErrIndexNotFound is returned when an index is not part of the store.
	ErrIndexNotFound = errors.New("localdb: index not found")

	// ErrNotInScope is returned when a store is used outside the stores its transaction was opened for.
	ErrNotInScope = errors.New("localdb: store not in transaction scope")

	// ErrReadOnly is returned when writing in a read-only transaction.
	ErrReadOnly = errors.New("localdb: read-only transaction")

	// ErrTxDone is returned when using a transaction after Commit or Rollback.
	ErrTxDone = errors.New("localdb: transaction finished")
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Tx is a transaction over a fixed set of stores. A Tx must be used from a single
// goroutine and finished with Commit or Rollback.
type Tx struct {
	conn  *Conn
	tx    *bbolt.Tx
	mode  Mode
	scope []string
	done  bool
}

// Begin starts a transaction scoped to stores. Every store must exist.
func (c *Conn) Begin(ctx context.Context, mode Mode, stores ...string) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, name := range stores {
		if _, ok := c.stores[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
		}
	}
	btx, err := c.db.Begin(mode == ReadWrite)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{conn: c, tx: btx, mode: mode, scope: stores}, nil
}

// Mode returns the access mode of the transaction.
func (t *Tx) Mode() Mode {
	return t.mode
}

// Store returns a handle on a store in the transaction scope.
func (t *Tx) Store(name string) (*ObjectStore, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if !slices.Contains(t.scope, name) {
		return nil, fmt.Errorf("%w: %s", ErrNotInScope, name)
	}
	schema, ok := t.conn.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return &ObjectStore{tx: t, bucket: b, records: b.Bucket(bucketRecords), schema: schema}, nil
}

// Commit commits a read-write transaction. For a read-only transaction it
// releases the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.mode == ReadOnly {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// ObjectStore is a store accessed within a transaction.
type ObjectStore struct {
	tx      *Tx
	bucket  *bbolt.Bucket
	records *bbolt.Bucket
	schema  StoreSchema
}

// Name returns the store name.
func (s *ObjectStore) Name() string {
	return s.schema.Name
}

// Add inserts doc. It fails with ErrConstraint if a record with the same primary
// key exists or a unique index would be violated.
func (s *ObjectStore) Add(ctx context.Context, doc []byte) error {
	return s.write(ctx, doc, false)
}

// Put inserts doc or replaces the record with the same primary key.
func (s *ObjectStore) Put(ctx context.Context, doc []byte) error {
	return s.write(ctx, doc, true)
}

func (s *ObjectStore) write(ctx context.Context, doc []byte, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.tx.done {
		return ErrTxDone
	}
	if s.tx.mode != ReadWrite {
		return ErrReadOnly
	}
	pk, ok := extractKey(doc, s.schema.KeyPath)
	if !ok {
		return fmt.Errorf("%w: key path %q in store %s", ErrInvalidKey, s.schema.KeyPath, s.schema.Name)
	}

	if existing := s.records.Get(pk); existing != nil {
		if !overwrite {
			return fmt.Errorf("%w: duplicate key in store %s", ErrConstraint, s.schema.Name)
		}
		old, err := s.tx.conn.codec.decode(existing)
		if err != nil {
			return err
		}
		for _, idx := range s.schema.Indexes {
			if err := removeIndexEntry(s.bucket.Bucket(indexBucketName(idx.Name)), idx, old, pk); err != nil {
				return err
			}
		}
	}

	for _, idx := range s.schema.Indexes {
		if err := addIndexEntry(s.bucket.Bucket(indexBucketName(idx.Name)), idx, doc, pk); err != nil {
			return err
		}
	}

	value, err := s.tx.conn.codec.encode(doc)
	if err != nil {
		return err
	}
	return s.records.Put(pk, value)
}

// Get returns the document with the given primary key.
func (s *ObjectStore) Get(ctx context.Context, key any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pk, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	v := s.records.Get(pk)
	if v == nil {
		return nil, ErrNotFound
	}
	return s.tx.conn.codec.decode(v)
}

// Count returns the number of records in the store.
func (s *ObjectStore) Count() int {
	return s.records.Stats().KeyN
}

// Index returns a handle on a secondary index of the store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	idx, ok := s.schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrIndexNotFound, name, s.schema.Name)
	}
	b := s.bucket.Bucket(indexBucketName(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrIndexNotFound, name, s.schema.Name)
	}
	return &Index{store: s, bucket: b, schema: idx}, nil
}

// Index is a secondary index accessed within a transaction.
type Index struct {
	store  *ObjectStore
	bucket *bbolt.Bucket
	schema IndexSchema
}

// Direction is the iteration order of a cursor.
type Direction int

const (
	// Next iterates in ascending key order.
	Next Direction = iota
	// Prev iterates in descending key order.
	Prev
)

func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

// OpenCursor returns a cursor positioned before the first entry in dir order.
// Records sharing an index key are ordered by primary key.
func (i *Index) OpenCursor(dir Direction) *Cursor {
	return &Cursor{index: i, c: i.bucket.Cursor(), dir: dir}
}

// Cursor walks an index one record at a time.
type Cursor struct {
	index   *Index
	c       *bbolt.Cursor
	dir     Direction
	started bool
	done    bool
}

// Next advances the cursor and returns the document of the record it now points
// at. ok is false once the index is exhausted.
func (c *Cursor) Next(ctx context.Context) (doc []byte, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.done || c.index.store.tx.done {
		return nil, false, nil
	}

	var k, pk []byte
	switch {
	case !c.started && c.dir == Prev:
		k, pk = c.c.Last()
	case !c.started:
		k, pk = c.c.First()
	case c.dir == Prev:
		k, pk = c.c.Prev()
	default:
		k, pk = c.c.Next()
	}
	c.started = true
	if k == nil {
		c.done = true
		return nil, false, nil
	}

	v := c.index.store.records.Get(pk)
	if v == nil {
		return nil, false, fmt.Errorf("%w: index %s references missing record", ErrCorrupted, c.index.schema.Name)
	}
	doc, err = c.index.store.tx.conn.codec.decode(v)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}
