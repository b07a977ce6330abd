// Package canon implements the versioned hashing policy used for every
// content-derived identifier: ledger chains, policy hashes, waiver ids and
// diff fingerprints.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// PolicyV1 is the only hash policy version currently defined.
	PolicyV1 = "hash_policy_v1"
	// AlgorithmSHA256 is the digest used by PolicyV1.
	AlgorithmSHA256 = "sha256"
)

// HashPolicy names the canonicalization rule and digest. It is passed to
// every hashing call site instead of living in a package variable so that a
// change of algorithm is a visible configuration change.
type HashPolicy struct {
	Version   string `json:"version" yaml:"version"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
}

// Default returns hash_policy_v1 (sha256 over sorted, compact JSON).
func Default() HashPolicy {
	return HashPolicy{Version: PolicyV1, Algorithm: AlgorithmSHA256}
}

// Validate fails closed on any policy this build does not implement.
func (p HashPolicy) Validate() error {
	if p.Version != PolicyV1 {
		return fmt.Errorf("unsupported hash policy version %q", p.Version)
	}
	if p.Algorithm != AlgorithmSHA256 {
		return fmt.Errorf("unsupported hash algorithm %q for %s", p.Algorithm, p.Version)
	}
	return nil
}

// Canonical returns the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace, no HTML escaping, numbers preserved as
// written. Two values with the same logical content always produce the same
// bytes regardless of field or insertion order.
func (p HashPolicy) Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashJSON hashes the canonical encoding of v.
func (p HashPolicy) HashJSON(v interface{}) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := p.Canonical(v)
	if err != nil {
		return "", err
	}
	return p.digest(data), nil
}

// HashBytes hashes raw bytes. An invalid policy yields an empty string,
// which never matches a stored hash.
func (p HashPolicy) HashBytes(data []byte) string {
	if p.Validate() != nil {
		return ""
	}
	return p.digest(data)
}

// HashText hashes text after normalizing CRLF to LF and forcing exactly one
// trailing newline, so the same file hashes identically across platforms.
func (p HashPolicy) HashText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimRight(text, "\n") + "\n"
	return p.HashBytes([]byte(text))
}

func (p HashPolicy) digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
