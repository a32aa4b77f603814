package localdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/tidwall/gjson"
)

// Key type prefixes. Numbers sort before strings.
const (
	keyTypeNumber byte = 0x10
	keyTypeString byte = 0x30
)

// ErrInvalidKey is returned when a key path does not resolve to a number or string.
var ErrInvalidKey = errors.New("localdb: invalid key")

// Bucket layout:
//
//	__schema            store name -> StoreSchema JSON
//	__meta              "name", "version"
//	<store>/records     encoded primary key -> encoded document
//	<store>/idx:<name>  encoded index key + encoded primary key -> encoded primary key
var (
	bucketSchema  = []byte("__schema")
	bucketMeta    = []byte("__meta")
	bucketRecords = []byte("records")

	metaName    = []byte("name")
	metaVersion = []byte("version")
)

func indexBucketName(name string) []byte {
	return []byte("idx:" + name)
}

// encodeKey encodes a key into a byte string whose lexicographic order matches
// the key order: all numbers ascending, then all strings by code point.
func encodeKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case float64:
		return encodeNumber(k), nil
	case int:
		return encodeNumber(float64(k)), nil
	case int64:
		return encodeNumber(float64(k)), nil
	case string:
		return encodeString(k), nil
	default:
		return nil, ErrInvalidKey
	}
}

func encodeNumber(f float64) []byte {
	if math.IsNaN(f) {
		f = 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 9)
	buf[0] = keyTypeNumber
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

// encodeString escapes 0x00 as 0x00 0xFF and terminates with 0x00 0x01 so that
// an encoded string is never a prefix of a longer one.
func encodeString(s string) []byte {
	buf := make([]byte, 0, len(s)+3)
	buf = append(buf, keyTypeString)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf = append(buf, 0x00, 0xFF)
			continue
		}
		buf = append(buf, s[i])
	}
	return append(buf, 0x00, 0x01)
}

// decodeKey decodes one key from the front of b and returns the rest.
func decodeKey(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, ErrInvalidKey
	}
	switch b[0] {
	case keyTypeNumber:
		if len(b) < 9 {
			return nil, nil, ErrInvalidKey
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[9:], nil
	case keyTypeString:
		var out []byte
		for i := 1; i < len(b); i++ {
			if b[i] != 0x00 {
				out = append(out, b[i])
				continue
			}
			if i+1 >= len(b) {
				return nil, nil, ErrInvalidKey
			}
			switch b[i+1] {
			case 0x01:
				return string(out), b[i+2:], nil
			case 0xFF:
				out = append(out, 0x00)
				i++
			default:
				return nil, nil, ErrInvalidKey
			}
		}
		return nil, nil, ErrInvalidKey
	default:
		return nil, nil, ErrInvalidKey
	}
}

// extractKey evaluates keyPath against doc and encodes the result.
// ok is false when the path does not resolve to a valid key.
func extractKey(doc []byte, keyPath string) ([]byte, bool) {
	res := gjson.GetBytes(doc, keyPath)
	switch res.Type {
	case gjson.Number:
		if math.IsInf(res.Num, 0) || math.IsNaN(res.Num) {
			return nil, false
		}
		return encodeNumber(res.Num), true
	case gjson.String:
		return encodeString(res.Str), true
	default:
		return nil, false
	}
}

func makeIndexEntry(indexKey, primaryKey []byte) []byte {
	entry := make([]byte, 0, len(indexKey)+len(primaryKey))
	entry = append(entry, indexKey...)
	return append(entry, primaryKey...)
}

func hasPrefix(k, prefix []byte) bool {
	return bytes.HasPrefix(k, prefix)
}
