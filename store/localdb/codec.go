package localdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum document size before compression is considered.
	// Meal photos are the main beneficiary.
	CompressionThreshold = 2048

	// MaxDocumentSize is the maximum allowed uncompressed document size.
	MaxDocumentSize = 16 * 1024 * 1024

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrDocumentTooLarge is returned when a document exceeds MaxDocumentSize.
	ErrDocumentTooLarge = errors.New("localdb: document exceeds maximum size")

	// ErrCorrupted is returned when a stored value cannot be decoded.
	ErrCorrupted = errors.New("localdb: corrupted value")
)

// codec frames stored documents with a one byte encoding tag, compressing large
// documents with zstd. Encoder and decoder are goroutine-safe.
type codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDocumentSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *codec) encode(doc []byte) ([]byte, error) {
	if len(doc) > MaxDocumentSize {
		return nil, ErrDocumentTooLarge
	}

	if len(doc) >= CompressionThreshold {
		if out, ok := c.compress(doc); ok {
			return out, nil
		}
	}

	out := make([]byte, 1+len(doc))
	out[0] = encodingIdentity
	copy(out[1:], doc)
	return out, nil
}

// compress holds the read lock for the whole encode so Close cannot release
// the encoder underneath it.
func (c *codec) compress(doc []byte) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.encoder == nil {
		return nil, false
	}
	out := make([]byte, 1, len(doc)/2)
	out[0] = encodingZstd
	out = c.encoder.EncodeAll(doc, out)
	return out, len(out) < len(doc)+1
}

// decode returns a copy of the document; the input may be bbolt-owned memory.
func (c *codec) decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, ErrCorrupted
	}
	switch value[0] {
	case encodingIdentity:
		out := make([]byte, len(value)-1)
		copy(out, value[1:])
		return out, nil
	case encodingZstd:
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.decoder == nil {
			return nil, ErrClosed
		}
		out, err := c.decoder.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, value[0])
	}
}
