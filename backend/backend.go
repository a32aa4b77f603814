// Package backend provides the storage backends that hold cached response bodies.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("backend: not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any previous data.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// FramedBackend extends Backend with framed body storage: a small JSON header
// followed by the raw body. See WriteFramed for the layout.
type FramedBackend interface {
	Backend

	// WriteFramed stores header and body at key.
	WriteFramed(ctx context.Context, key string, header *BodyHeader, body io.Reader) error

	// ReadFramed returns the header and a reader positioned at the body.
	// Returns ErrNotFound if the key does not exist.
	ReadFramed(ctx context.Context, key string) (*BodyHeader, io.ReadCloser, error)
}
