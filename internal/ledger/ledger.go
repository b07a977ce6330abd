// Package ledger implements the append-only, hash-chained attempt ledger.
// The ledger file is newline-delimited canonical JSON: line 1 is the header,
// every following line is one attempt record in append order.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"buildloop/internal/canon"
	"buildloop/internal/jsonutil"
)

// Ledger is not safe for concurrent writers; one active run owns it.
type Ledger struct {
	path    string
	policy  canon.HashPolicy
	header  *Header
	records []Record
	chain   bool
}

// New returns an unloaded ledger bound to path. Call Initialize for a new
// run or Hydrate to load an existing file.
func New(path string, policy canon.HashPolicy) *Ledger {
	return &Ledger{path: path, policy: policy}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Header returns the loaded header, if any.
func (l *Ledger) Header() (Header, bool) {
	if l.header == nil {
		return Header{}, false
	}
	return *l.header, true
}

// SchemaVersion returns the loaded header's schema, or SchemaLegacy when no
// header is loaded.
func (l *Ledger) SchemaVersion() string {
	if l.header == nil {
		return SchemaLegacy
	}
	return l.header.SchemaVersion
}

// ChainEnabled reports whether the loaded schema carries a hash chain.
func (l *Ledger) ChainEnabled() bool { return l.chain }

// Records returns a copy of the attempt history in append order.
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of attempt records.
func (l *Ledger) Len() int { return len(l.records) }

// Last returns the most recent record.
func (l *Ledger) Last() (Record, bool) {
	if len(l.records) == 0 {
		return Record{}, false
	}
	return l.records[len(l.records)-1], true
}

// NextAttemptID returns the id the next appended record must carry.
func (l *Ledger) NextAttemptID() int {
	if last, ok := l.Last(); ok {
		return last.AttemptID + 1
	}
	return 1
}

// ChainTip returns the most recent record_hash, or the header_hash when no
// records exist yet. Empty when nothing is loaded.
func (l *Ledger) ChainTip() string {
	if n := len(l.records); n > 0 && l.records[n-1].RecordHash != "" {
		return l.records[n-1].RecordHash
	}
	if l.header != nil {
		return l.header.HeaderHash
	}
	return ""
}

// Initialize writes the header line for a new ledger. The path must not
// exist or contain only whitespace. An empty SchemaVersion defaults to
// SchemaCurrent.
func (l *Ledger) Initialize(h Header) error {
	if err := l.policy.Validate(); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}
	existing, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if len(bytes.TrimSpace(existing)) > 0 {
			return fmt.Errorf("initialize %s: %w", l.path, ErrNotEmpty)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("initialize %s: %w", l.path, err)
	}

	if h.SchemaVersion == "" {
		h.SchemaVersion = SchemaCurrent
	}
	hash, err := ComputeHeaderHash(l.policy, h)
	if err != nil {
		return fmt.Errorf("header hash: %w", err)
	}
	h.HeaderHash = hash

	line, err := l.policy.Canonical(h.line())
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if err := writeFileSync(l.path, append(line, '\n')); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	l.header = &h
	l.records = nil
	l.chain = IsChainRequired(h.SchemaVersion)
	return nil
}

// Hydrate loads the ledger from disk. It returns false when the file is
// missing or holds no content. Any malformed content yields an
// *IntegrityError and leaves the in-memory state untouched.
func (l *Ledger) Hydrate() (bool, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &IntegrityError{Msg: fmt.Sprintf("read ledger: %v", err)}
	}
	if !utf8.Valid(data) {
		return false, &IntegrityError{Msg: "ledger is not valid UTF-8"}
	}

	var (
		header  *Header
		records []Record
		chain   bool
	)
	for i, raw := range strings.Split(string(data), "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		isHeader, err := lineIsHeader(line)
		if err != nil {
			return false, &IntegrityError{Line: lineNo, Msg: fmt.Sprintf("corrupt JSON: %v", err)}
		}
		if header == nil {
			if !isHeader {
				return false, &IntegrityError{Line: lineNo, Msg: "first line is not a header"}
			}
			h, err := l.parseHeader(line)
			if err != nil {
				return false, &IntegrityError{Line: lineNo, Msg: err.Error()}
			}
			header = &h
			chain = IsChainRequired(h.SchemaVersion)
			continue
		}
		if isHeader {
			return false, &IntegrityError{Line: lineNo, Msg: "duplicate header"}
		}
		var rec Record
		if err := jsonutil.UnmarshalStrict([]byte(line), &rec); err != nil {
			return false, &IntegrityError{Line: lineNo, Msg: fmt.Sprintf("corrupt record: %v", err)}
		}
		records = append(records, rec)
	}
	if header == nil {
		return false, nil
	}

	l.header = header
	l.records = records
	l.chain = chain
	return true, nil
}

func lineIsHeader(line string) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return false, err
	}
	raw, ok := fields["type"]
	if !ok {
		return false, nil
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil {
		return false, err
	}
	return typ == headerType, nil
}

func (l *Ledger) parseHeader(line string) (Header, error) {
	var hl headerLine
	if err := jsonutil.UnmarshalStrict([]byte(line), &hl); err != nil {
		return Header{}, fmt.Errorf("corrupt header: %v", err)
	}
	h := Header{
		SchemaVersion: hl.SchemaVersion,
		PolicyHash:    hl.PolicyHash,
		HandoffHash:   hl.HandoffHash,
		RunID:         hl.RunID,
		HeaderHash:    hl.HeaderHash,
	}
	if h.SchemaVersion == "" {
		return Header{}, fmt.Errorf("header missing schema_version")
	}
	if !IsChainRequired(h.SchemaVersion) {
		return h, nil
	}
	for name, v := range map[string]string{
		"policy_hash":  h.PolicyHash,
		"handoff_hash": h.HandoffHash,
		"run_id":       h.RunID,
		"header_hash":  h.HeaderHash,
	} {
		if v == "" {
			return Header{}, fmt.Errorf("%s ledger missing %s", h.SchemaVersion, name)
		}
	}
	want, err := ComputeHeaderHash(l.policy, h)
	if err != nil {
		return Header{}, err
	}
	if want != h.HeaderHash {
		return Header{}, fmt.Errorf("header_hash mismatch: stored=%s, expected=%s", h.HeaderHash, want)
	}
	return h, nil
}

// Append links rec to the chain tip, writes it as one line and returns the
// stored form with prev_record_hash and record_hash populated.
func (l *Ledger) Append(rec Record) (Record, error) {
	if l.header == nil {
		return Record{}, ErrNotInitialized
	}
	if !IsChainRequired(l.header.SchemaVersion) {
		return Record{}, ErrLegacyReadOnly
	}
	if !l.chain {
		return Record{}, &IntegrityError{Msg: "append blocked: schema requires hash chain but chain state is disabled"}
	}
	if ok, errs := l.VerifyChain(); !ok {
		return Record{}, &IntegrityError{Msg: "append blocked: corrupted chain state (" + strings.Join(errs, "; ") + ")"}
	}

	last := 0
	if prev, ok := l.Last(); ok {
		last = prev.AttemptID
	}
	if rec.AttemptID != last+1 {
		return Record{}, &SequenceError{Last: last, New: rec.AttemptID}
	}

	prev := l.ChainTip()
	if prev == "" {
		return Record{}, &IntegrityError{Msg: "append blocked: missing chain anchor"}
	}
	rec = rec.normalized()
	rec.PrevRecordHash = prev
	hash, err := ComputeRecordHash(l.policy, rec)
	if err != nil {
		return Record{}, fmt.Errorf("record hash: %w", err)
	}
	rec.RecordHash = hash

	line, err := l.policy.Canonical(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	if err := appendLine(l.path, line); err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	l.records = append(l.records, rec)
	return rec, nil
}

// ComputeRecordHash hashes every field of rec except record_hash, with
// prev_record_hash included so each record commits to its predecessor.
func ComputeRecordHash(p canon.HashPolicy, rec Record) (string, error) {
	rec.RecordHash = ""
	return p.HashJSON(rec)
}

type verifyOptions struct {
	tip   *string
	count *int
}

// VerifyOption supplies an external witness to VerifyChain.
type VerifyOption func(*verifyOptions)

// WithExpectedTip compares the chain tip against an externally stored hash.
func WithExpectedTip(tip string) VerifyOption {
	return func(o *verifyOptions) { o.tip = &tip }
}

// WithExpectedCount compares the record count against an external count.
func WithExpectedCount(n int) VerifyOption {
	return func(o *verifyOptions) { o.count = &n }
}

// VerifyChain recomputes every hash from stored field values. A legacy
// ledger always verifies. Internal consistency cannot reveal a truncated
// tail; pass WithExpectedTip and WithExpectedCount for that.
func (l *Ledger) VerifyChain(opts ...VerifyOption) (bool, []string) {
	if !l.chain || l.header == nil {
		return true, nil
	}
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	var errs []string
	stored := l.header.HeaderHash
	want, err := ComputeHeaderHash(l.policy, *l.header)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("header_hash recompute failed: %v", err))
	case stored != want:
		errs = append(errs, fmt.Sprintf("header_hash mismatch: stored=%s, expected=%s", stored, want))
	}

	prev := stored
	for i, rec := range l.records {
		if rec.PrevRecordHash != prev {
			errs = append(errs, fmt.Sprintf("Record %d (attempt_id=%d): prev_record_hash mismatch: expected=%s, got=%s",
				i, rec.AttemptID, prev, rec.PrevRecordHash))
		}
		recomputed, err := ComputeRecordHash(l.policy, rec)
		if err != nil || rec.RecordHash != recomputed {
			errs = append(errs, fmt.Sprintf("Record %d (attempt_id=%d): record_hash mismatch: expected=%s, got=%s",
				i, rec.AttemptID, recomputed, rec.RecordHash))
		}
		prev = rec.RecordHash
	}

	if o.tip != nil {
		if actual := l.ChainTip(); actual != *o.tip {
			errs = append(errs, fmt.Sprintf("chain tip mismatch: expected=%s, actual=%s", *o.tip, actual))
		}
	}
	if o.count != nil {
		if actual := len(l.records); actual != *o.count {
			errs = append(errs, fmt.Sprintf("record count mismatch: expected=%d, actual=%d", *o.count, actual))
		}
	}
	return len(errs) == 0, errs
}

// IntegrityCheck re-reads the file and checks sequence and chain together.
func (l *Ledger) IntegrityCheck() error {
	if _, err := l.Hydrate(); err != nil {
		return err
	}
	for i, rec := range l.records {
		if rec.AttemptID != i+1 {
			return &IntegrityError{Msg: fmt.Sprintf("sequence error: expected attempt_id=%d, got %d", i+1, rec.AttemptID)}
		}
	}
	if ok, errs := l.VerifyChain(); !ok {
		return &IntegrityError{Msg: "hash chain errors: " + strings.Join(errs, "; ")}
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// appendLine writes a complete record in a single write so a crash leaves
// either the whole line or nothing after the previous newline.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
