// Package waiver stores time-bound, context-bound human grants that let the
// loop retry past an exhausted budget. Any read, parse, binding or expiry
// problem makes a waiver invalid.
package waiver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"buildloop/internal/artifact"
	"buildloop/internal/canon"
)

// SchemaVersion is the only accepted waiver document version.
const SchemaVersion = "1.0"

// ErrNotFound is returned by Read when no artifact exists at the path.
var ErrNotFound = errors.New("waiver artifact not found")

// ValidationError describes a waiver document that cannot be trusted.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid waiver %s: %s", e.Path, e.Msg)
}

// Context is the binding context of a grant, e.g. failure class and retry
// counters. A waiver only applies to the exact same context.
type Context map[string]interface{}

// Grant is the on-disk waiver document.
type Grant struct {
	SchemaVersion string  `json:"schema_version"`
	WaiverID      string  `json:"waiver_id"`
	GrantedBy     string  `json:"granted_by"`
	GrantedAt     string  `json:"granted_at"`
	TTLSeconds    int64   `json:"ttl_seconds"`
	ExpiresAt     string  `json:"expires_at"`
	Reason        string  `json:"reason"`
	Context       Context `json:"context"`
}

// Store resolves waiver artifacts under Dir.
type Store struct {
	Dir    string
	Policy canon.HashPolicy
}

// NewStore returns a store rooted at dir using policy for context ids.
func NewStore(dir string, policy canon.HashPolicy) *Store {
	return &Store{Dir: dir, Policy: policy}
}

// ContextID derives the waiver id: the first 16 hex digits of the canonical
// context hash.
func ContextID(p canon.HashPolicy, ctx Context) (string, error) {
	h, err := p.HashJSON(ctx)
	if err != nil {
		return "", err
	}
	return h[:16], nil
}

// Path returns the artifact path for ctx.
func (s *Store) Path(ctx Context) (string, error) {
	id, err := ContextID(s.Policy, ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir, "WAIVER_"+id+".json"), nil
}

// NewGrant builds a grant for ctx valid for ttl from now.
func NewGrant(p canon.HashPolicy, grantedBy, reason string, ctx Context, ttl time.Duration, now time.Time) (Grant, error) {
	if ttl <= 0 {
		return Grant{}, fmt.Errorf("waiver ttl must be positive, got %s", ttl)
	}
	id, err := ContextID(p, ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("waiver id: %w", err)
	}
	now = now.UTC()
	return Grant{
		SchemaVersion: SchemaVersion,
		WaiverID:      id,
		GrantedBy:     grantedBy,
		GrantedAt:     now.Format(time.RFC3339),
		TTLSeconds:    int64(ttl / time.Second),
		ExpiresAt:     now.Add(ttl).Format(time.RFC3339),
		Reason:        reason,
		Context:       ctx,
	}, nil
}

// Grant creates and persists a waiver for ctx, returning its path.
func (s *Store) Grant(grantedBy, reason string, ctx Context, ttl time.Duration, now time.Time) (string, Grant, error) {
	g, err := NewGrant(s.Policy, grantedBy, reason, ctx, ttl, now)
	if err != nil {
		return "", Grant{}, err
	}
	path := filepath.Join(s.Dir, "WAIVER_"+g.WaiverID+".json")
	if err := Write(s.Policy, path, g); err != nil {
		return "", Grant{}, err
	}
	return path, g, nil
}

// Write persists g with sorted keys, two-space indent and a trailing
// newline. The file is replaced atomically.
func Write(p canon.HashPolicy, path string, g Grant) error {
	compact, err := p.Canonical(g)
	if err != nil {
		return fmt.Errorf("encode waiver: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return fmt.Errorf("indent waiver: %w", err)
	}
	buf.WriteByte('\n')
	if err := artifact.WriteAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write waiver: %w", err)
	}
	return nil
}

var requiredFields = []string{
	"schema_version", "waiver_id", "granted_by", "granted_at",
	"ttl_seconds", "expires_at", "reason", "context",
}

// Read loads and validates the document at path.
func Read(path string) (Grant, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Grant{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Grant{}, &ValidationError{Path: path, Msg: err.Error()}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Grant{}, &ValidationError{Path: path, Msg: fmt.Sprintf("corrupt JSON: %v", err)}
	}
	for _, f := range requiredFields {
		if _, ok := raw[f]; !ok {
			return Grant{}, &ValidationError{Path: path, Msg: "missing required field: " + f}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var g Grant
	if err := dec.Decode(&g); err != nil {
		return Grant{}, &ValidationError{Path: path, Msg: err.Error()}
	}
	if g.SchemaVersion != SchemaVersion {
		return Grant{}, &ValidationError{Path: path, Msg: fmt.Sprintf("schema version mismatch: expected %s, got %s", SchemaVersion, g.SchemaVersion)}
	}
	if g.Context == nil {
		return Grant{}, &ValidationError{Path: path, Msg: "context must be an object"}
	}
	return g, nil
}

// Validate checks g against the expected context at now. The id must match
// both ctx and the stored context, and now must be strictly before expiry.
func Validate(p canon.HashPolicy, g Grant, ctx Context, now time.Time) error {
	expires, err := time.Parse(time.RFC3339, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("invalid expires_at %q: %w", g.ExpiresAt, err)
	}
	if !now.Before(expires) {
		return fmt.Errorf("waiver %s expired at %s", g.WaiverID, g.ExpiresAt)
	}
	stored, err := ContextID(p, g.Context)
	if err != nil {
		return fmt.Errorf("stored context: %w", err)
	}
	if stored != g.WaiverID {
		return fmt.Errorf("waiver %s does not match its stored context", g.WaiverID)
	}
	if ctx != nil {
		want, err := ContextID(p, ctx)
		if err != nil {
			return fmt.Errorf("expected context: %w", err)
		}
		if want != g.WaiverID {
			return fmt.Errorf("waiver %s bound to a different context", g.WaiverID)
		}
	}
	return nil
}

// IsValid reports whether a usable waiver for ctx exists at path.
func IsValid(p canon.HashPolicy, path string, ctx Context, now time.Time) bool {
	g, err := Read(path)
	if err != nil {
		return false
	}
	return Validate(p, g, ctx, now) == nil
}

// Check reports whether a valid waiver is stored for ctx.
func (s *Store) Check(ctx Context, now time.Time) bool {
	path, err := s.Path(ctx)
	if err != nil {
		return false
	}
	return IsValid(s.Policy, path, ctx, now)
}
