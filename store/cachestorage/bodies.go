package cachestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/health-cache/backend"
)

// ErrCorrupted is returned when a stored body does not match its digest.
var ErrCorrupted = errors.New("cachestorage: body digest mismatch")

// bodyStore keeps response bodies addressed by digest, so identical bodies in
// different caches share storage.
type bodyStore struct {
	backend backend.FramedBackend
	now     func() time.Time
}

// put stores data unless a body with the same digest exists.
func (b *bodyStore) put(ctx context.Context, contentType string, data []byte) (Digest, error) {
	d := DigestOf(data)
	key := d.storageKey()

	exists, err := b.backend.Exists(ctx, key)
	if err != nil {
		return Digest{}, fmt.Errorf("checking body: %w", err)
	}
	if exists {
		return d, nil
	}

	header := &backend.BodyHeader{
		ContentType:   contentType,
		ContentLength: int64(len(data)),
		StoredAt:      b.now().UTC(),
		Digest:        d.String(),
	}
	if err := b.backend.WriteFramed(ctx, key, header, bytes.NewReader(data)); err != nil {
		return Digest{}, fmt.Errorf("writing body: %w", err)
	}
	return d, nil
}

// get reads and verifies the body with digest d.
func (b *bodyStore) get(ctx context.Context, d Digest) ([]byte, error) {
	_, rc, err := b.backend.ReadFramed(ctx, d.storageKey())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if DigestOf(data) != d {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, d)
	}
	return data, nil
}

func (b *bodyStore) delete(ctx context.Context, d Digest) error {
	return b.backend.Delete(ctx, d.storageKey())
}

// list returns the digests of all stored bodies. Keys that are not body keys are skipped.
func (b *bodyStore) list(ctx context.Context) ([]Digest, error) {
	keys, err := b.backend.List(ctx, bodyKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing bodies: %w", err)
	}
	digests := make([]Digest, 0, len(keys))
	for _, key := range keys {
		d, err := parseStorageKey(key)
		if err != nil {
			continue
		}
		digests = append(digests, d)
	}
	return digests, nil
}
