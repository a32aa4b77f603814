package localdb

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// QueryOptions controls QueryByIndex.
type QueryOptions[T any] struct {
	Direction Direction
	// Limit caps the number of results; zero means no limit.
	Limit int
	// Filter selects which visited records are returned; nil keeps all.
	Filter func(T) bool
	// StopWhen ends the scan at the first record it matches, excluding that record.
	StopWhen func(T) bool
}

// QueryByIndex walks index of store in opts.Direction order and returns the
// matching records decoded as T. Records are decoded one at a time.
func QueryByIndex[T any](ctx context.Context, db *Database, store, index string, opts QueryOptions[T]) ([]T, error) {
	tx, err := db.Begin(ctx, ReadOnly, store)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := tx.Store(store)
	if err != nil {
		return nil, err
	}
	idx, err := s.Index(index)
	if err != nil {
		return nil, err
	}

	var results []T
	cur := idx.OpenCursor(opts.Direction)
	for {
		doc, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decoding record from %s: %w", store, err)
		}
		if opts.StopWhen != nil && opts.StopWhen(v) {
			break
		}
		if opts.Filter == nil || opts.Filter(v) {
			results = append(results, v)
		}
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// Insert adds v to store and returns it once the transaction has committed.
// It fails with ErrConstraint when the primary key already exists.
func Insert[T any](ctx context.Context, db *Database, store string, v T) (T, error) {
	return write(ctx, db, store, v, (*ObjectStore).Add)
}

// Put adds v to store, replacing any record with the same primary key, and
// returns it once the transaction has committed.
func Put[T any](ctx context.Context, db *Database, store string, v T) (T, error) {
	return write(ctx, db, store, v, (*ObjectStore).Put)
}

func write[T any](ctx context.Context, db *Database, store string, v T, op func(*ObjectStore, context.Context, []byte) error) (T, error) {
	var zero T
	doc, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encoding record for %s: %w", store, err)
	}

	tx, err := db.Begin(ctx, ReadWrite, store)
	if err != nil {
		return zero, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := tx.Store(store)
	if err != nil {
		return zero, err
	}
	if err := op(s, ctx, doc); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return v, nil
}

// Get reads the record with the given primary key from store.
func Get[T any](ctx context.Context, db *Database, store string, key any) (T, error) {
	var v T
	tx, err := db.Begin(ctx, ReadOnly, store)
	if err != nil {
		return v, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := tx.Store(store)
	if err != nil {
		return v, err
	}
	doc, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("decoding record from %s: %w", store, err)
	}
	return v, nil
}
