package cachestorage

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes.
const DigestSize = 32

const (
	digestAlg     = "blake3"
	bodyKeyPrefix = "bodies"
)

// Digest identifies a response body by its BLAKE3 hash.
type Digest [DigestSize]byte

// DigestOf computes the digest of data.
func DigestOf(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the canonical form "blake3:<hex>".
func (d Digest) String() string {
	return digestAlg + ":" + hex.EncodeToString(d[:])
}

// Short returns a shortened hex form for logging.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses "blake3:<hex>". A bare hex string is accepted too.
func ParseDigest(s string) (Digest, error) {
	alg, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		hexStr, alg = alg, digestAlg
	}
	if !strings.EqualFold(alg, digestAlg) {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	if len(hexStr) != DigestSize*2 {
		return Digest{}, fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(hexStr))
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(strings.ToLower(hexStr))); err != nil {
		return Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

// storageKey returns the backend key of the body with digest d.
// Format: bodies/{hex[:2]}/{hex}
func (d Digest) storageKey() string {
	h := hex.EncodeToString(d[:])
	return bodyKeyPrefix + "/" + h[:2] + "/" + h
}

// parseStorageKey is the inverse of storageKey.
func parseStorageKey(key string) (Digest, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != bodyKeyPrefix {
		return Digest{}, fmt.Errorf("invalid body key: %s", key)
	}
	d, err := ParseDigest(parts[2])
	if err != nil {
		return Digest{}, err
	}
	if parts[1] != parts[2][:2] {
		return Digest{}, fmt.Errorf("invalid body key shard: %s", key)
	}
	return d, nil
}
