// Package canon implements the canonical JSON form used throughout the
// kernel for hashing and signing: object keys sorted lexicographically,
// UTF-8, no insignificant whitespace. This resolves the open question in
// spec.md §9 ("implementations must choose a deterministic canonical form
// and document it") by normalizing through a generic JSON value tree rather
// than relying on struct field order, so the same logical document always
// serializes identically regardless of which Go type produced it.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal serializes v into canonical JSON: maps are re-emitted with sorted
// keys at every nesting level, arrays preserve order, and no whitespace
// separates tokens.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canon: normalize: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of v's canonical JSON form.
func Hash(v any) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashHex is Hash rendered as a lowercase hex string.
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sum), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// ZeroHashHex is the genesis previousEventHash: 64 hex zeroes, the width of a
// SHA-256 digest rendered as lowercase hex.
var ZeroHashHex = zeroHash()

func zeroHash() string {
	b := make([]byte, sha256.Size*2)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
