// Package fingerprint derives the request hash stored with idempotency records,
// so that a key reused for a different request can be told apart from a retry.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash fingerprints a request whose body is a Go value.
// Struct field order and map iteration order do not affect the result.
func Hash(method, path string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request body: %w", err)
	}
	return HashJSON(method, path, raw)
}

// HashJSON fingerprints a request whose body is raw JSON. Empty input hashes
// the same as JSON null.
func HashJSON(method, path string, raw []byte) (string, error) {
	canonical, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte("\n"))
	sum.Write([]byte(path))
	sum.Write([]byte("\n"))
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Canonical re-encodes raw JSON with object keys sorted at every level and
// insignificant whitespace removed. Numbers keep their original text.
func Canonical(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode request body: trailing data")
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode canonical body: %w", err)
	}
	return out, nil
}
