package backend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
)

var (
	// MagicBytes is the 4-byte prefix of framed body files.
	MagicBytes = []byte("HCB1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("backend: invalid magic bytes, expected HCB1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("backend: header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// BodyHeader describes a stored response body.
type BodyHeader struct {
	ContentType   string    `json:"content_type,omitempty"`
	ContentLength int64     `json:"content_length"`
	StoredAt      time.Time `json:"stored_at"`
	Digest        string    `json:"digest"`
}

// WriteFramed writes a framed body to w.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *BodyHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	prefix := make([]byte, 8, 8+len(headerBytes))
	copy(prefix, MagicBytes)
	binary.BigEndian.PutUint32(prefix[4:], uint32(len(headerBytes))) //nolint:gosec // bounds-checked above
	prefix = append(prefix, headerBytes...)

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed reads the header of a framed body from r.
// The returned reader yields the body.
func ReadFramed(r io.Reader) (*BodyHeader, io.Reader, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	if !bytes.Equal(prefix[:4], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(prefix[4:])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header BodyHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}
