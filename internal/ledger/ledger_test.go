package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/canon"
	"buildloop/internal/taxonomy"
)

func testHeader() Header {
	return Header{PolicyHash: "policy-abc", HandoffHash: "handoff-def", RunID: "run_test"}
}

func newRecord(id int) Record {
	fc := taxonomy.FailureTestFailure
	return Record{
		AttemptID:    id,
		Timestamp:    "2026-02-01T00:00:00Z",
		RunID:        "run_test",
		PolicyHash:   "policy-abc",
		InputHash:    "input",
		ActionsTaken: []string{"build"},
		DiffHash:     "diff-" + string(rune('a'+id)),
		ChangedFiles: []string{"src/main.go"},
		EvidenceHashes: map[string]string{
			"log": "h1",
		},
		FailureClass: &fc,
		NextAction:   taxonomy.ActionRetry,
		Rationale:    "attempt",
	}
}

func newLedger(t *testing.T, n int) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attempt_ledger.jsonl")
	l := New(path, canon.Default())
	require.NoError(t, l.Initialize(testHeader()))
	for i := 1; i <= n; i++ {
		_, err := l.Append(newRecord(i))
		require.NoError(t, err)
	}
	return l, path
}

func rehydrate(t *testing.T, path string) *Ledger {
	t.Helper()
	l := New(path, canon.Default())
	ok, err := l.Hydrate()
	require.NoError(t, err)
	require.True(t, ok)
	return l
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func TestIsChainRequired(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"v1.0", false},
		{"v1.1", true},
		{"v1.9", true},
		{"v1.10", true},
		{"v2.0", true},
		{"v0.9", false},
		{"v1.1-beta", true},
		{"garbage", true},
		{"", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsChainRequired(tt.version), tt.version)
	}
}

func TestInitialize_WritesHashedHeader(t *testing.T) {
	l, path := newLedger(t, 0)

	h, ok := l.Header()
	require.True(t, ok)
	assert.Equal(t, SchemaCurrent, h.SchemaVersion)
	assert.NotEmpty(t, h.HeaderHash)
	assert.Equal(t, h.HeaderHash, l.ChainTip())
	assert.True(t, l.ChainEnabled())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"type":"header"`)
	assert.Contains(t, lines[0], `"header_hash":"`+h.HeaderHash+`"`)
}

func TestInitialize_RefusesExistingContent(t *testing.T) {
	_, path := newLedger(t, 1)
	err := New(path, canon.Default()).Initialize(testHeader())
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestInitialize_AcceptsWhitespaceOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n  \n"), 0644))
	assert.NoError(t, New(path, canon.Default()).Initialize(testHeader()))
}

func TestHydrate_MissingOrEmpty(t *testing.T) {
	dir := t.TempDir()

	ok, err := New(filepath.Join(dir, "missing.jsonl"), canon.Default()).Hydrate()
	require.NoError(t, err)
	assert.False(t, ok)

	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, []byte("   \n\n"), 0644))
	ok, err = New(empty, canon.Default()).Hydrate()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHydrate_RoundTrip(t *testing.T) {
	orig, path := newLedger(t, 3)
	l := rehydrate(t, path)

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, orig.ChainTip(), l.ChainTip())
	assert.Equal(t, orig.Records(), l.Records())
	ok, errs := l.VerifyChain()
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestHydrate_SkipsBlankLines(t *testing.T) {
	_, path := newLedger(t, 2)
	lines := readLines(t, path)
	writeLines(t, path, []string{lines[0], "", "   ", lines[1], "", lines[2]})

	l := rehydrate(t, path)
	assert.Equal(t, 2, l.Len())
}

func TestHydrate_IntegrityErrors(t *testing.T) {
	_, path := newLedger(t, 2)
	lines := readLines(t, path)

	tests := []struct {
		name     string
		content  []string
		wantLine int
		wantMsg  string
	}{
		{
			name:     "truncated record",
			content:  []string{lines[0], lines[1][:len(lines[1])/2]},
			wantLine: 2,
			wantMsg:  "corrupt",
		},
		{
			name:     "header not first",
			content:  []string{lines[1], lines[0]},
			wantLine: 1,
			wantMsg:  "first line is not a header",
		},
		{
			name:     "duplicate header",
			content:  []string{lines[0], lines[1], lines[0]},
			wantLine: 3,
			wantMsg:  "duplicate header",
		},
		{
			name:     "missing header hash",
			content:  []string{`{"type":"header","schema_version":"v1.1","policy_hash":"p","handoff_hash":"h","run_id":"r"}`},
			wantLine: 1,
			wantMsg:  "missing header_hash",
		},
		{
			name:     "tampered header",
			content:  []string{strings.Replace(lines[0], "policy-abc", "policy-xyz", 1)},
			wantLine: 1,
			wantMsg:  "header_hash mismatch",
		},
		{
			name:     "unknown record field",
			content:  []string{lines[0], strings.Replace(lines[1], `{"actions_taken"`, `{"injected":1,"actions_taken"`, 1)},
			wantLine: 2,
			wantMsg:  "unknown field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "ledger.jsonl")
			writeLines(t, p, tt.content)

			l := New(p, canon.Default())
			ok, err := l.Hydrate()
			assert.False(t, ok)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrIntegrity)

			var ie *IntegrityError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.wantLine, ie.Line)
			assert.Contains(t, ie.Msg, tt.wantMsg)

			_, loaded := l.Header()
			assert.False(t, loaded, "no partial load")
		})
	}
}

func TestHydrate_InvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, '\n'}, 0644))
	_, err := New(path, canon.Default()).Hydrate()
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestAppend_LinksChain(t *testing.T) {
	l, _ := newLedger(t, 0)
	headerHash := l.ChainTip()

	r1, err := l.Append(newRecord(1))
	require.NoError(t, err)
	assert.Equal(t, headerHash, r1.PrevRecordHash)
	assert.NotEmpty(t, r1.RecordHash)

	r2, err := l.Append(newRecord(2))
	require.NoError(t, err)
	assert.Equal(t, r1.RecordHash, r2.PrevRecordHash)
	assert.Equal(t, r2.RecordHash, l.ChainTip())
	assert.Equal(t, 3, l.NextAttemptID())
}

func TestAppend_SequenceGap(t *testing.T) {
	l, _ := newLedger(t, 1)

	_, err := l.Append(newRecord(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceGap)
	assert.Equal(t, "Sequence gap: last=1, new=3", err.Error())
	assert.Equal(t, 1, l.Len(), "no silent renumbering")

	_, err = l.Append(newRecord(1))
	assert.ErrorIs(t, err, ErrSequenceGap, "duplicate id")
}

func TestAppend_FirstRecordMustBeOne(t *testing.T) {
	l, _ := newLedger(t, 0)
	_, err := l.Append(newRecord(2))
	assert.ErrorIs(t, err, ErrSequenceGap)
}

func TestAppend_RefusesCorruptedChain(t *testing.T) {
	l, _ := newLedger(t, 2)
	l.records[0].Rationale = "rewritten"

	_, err := l.Append(newRecord(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "corrupted chain state")
}

func TestAppend_LegacyIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.jsonl")
	writeLines(t, path, []string{
		`{"type":"header","schema_version":"v1.0","policy_hash":"p","handoff_hash":"h","run_id":"r"}`,
		`{"attempt_id":1,"timestamp":"t","run_id":"r","policy_hash":"p","input_hash":"i","actions_taken":[],"changed_files":[],"evidence_hashes":{},"success":true,"next_action":"terminate","rationale":"ok"}`,
	})

	l := rehydrate(t, path)
	assert.False(t, l.ChainEnabled())
	ok, errs := l.VerifyChain()
	assert.True(t, ok)
	assert.Empty(t, errs)

	_, err := l.Append(newRecord(2))
	assert.ErrorIs(t, err, ErrLegacyReadOnly)
}

func TestAppend_NotInitialized(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x.jsonl"), canon.Default())
	_, err := l.Append(newRecord(1))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestVerifyChain_DetectsFieldMutation(t *testing.T) {
	_, path := newLedger(t, 3)
	lines := readLines(t, path)
	lines[2] = strings.Replace(lines[2], `"rationale":"attempt"`, `"rationale":"tampered"`, 1)
	writeLines(t, path, lines)

	l := rehydrate(t, path)
	ok, errs := l.VerifyChain()
	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Record 1 (attempt_id=2): record_hash mismatch")
}

func TestHydrate_RejectsRecasedLabels(t *testing.T) {
	tests := []struct {
		name, from, to string
	}{
		{"failure class", `"failure_class":"test_failure"`, `"failure_class":"Test_Failure"`},
		{"next action", `"next_action":"retry"`, `"next_action":"RETRY"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, path := newLedger(t, 2)
			lines := readLines(t, path)
			require.Contains(t, lines[2], tt.from)
			lines[2] = strings.Replace(lines[2], tt.from, tt.to, 1)
			writeLines(t, path, lines)

			_, err := New(path, canon.Default()).Hydrate()
			require.ErrorIs(t, err, ErrIntegrity)
			var ie *IntegrityError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, 3, ie.Line)
			assert.Contains(t, ie.Msg, "non-canonical")
		})
	}
}

func TestVerifyChain_DetectsMiddleDeletion(t *testing.T) {
	_, path := newLedger(t, 3)
	lines := readLines(t, path)
	writeLines(t, path, []string{lines[0], lines[1], lines[3]})

	l := rehydrate(t, path)
	ok, errs := l.VerifyChain()
	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Record 1 (attempt_id=3): prev_record_hash mismatch")
}

func TestVerifyChain_DetectsReordering(t *testing.T) {
	_, path := newLedger(t, 3)
	lines := readLines(t, path)
	writeLines(t, path, []string{lines[0], lines[2], lines[1], lines[3]})

	l := rehydrate(t, path)
	ok, errs := l.VerifyChain()
	assert.False(t, ok)
	assert.NotEmpty(t, errs)
}

func TestVerifyChain_TailTruncationNeedsWitness(t *testing.T) {
	orig, path := newLedger(t, 3)
	tip := orig.ChainTip()
	lines := readLines(t, path)
	writeLines(t, path, lines[:3])

	l := rehydrate(t, path)
	ok, errs := l.VerifyChain()
	assert.True(t, ok, "truncated prefix is self-consistent")
	assert.Empty(t, errs)

	ok, errs = l.VerifyChain(WithExpectedTip(tip), WithExpectedCount(3))
	assert.False(t, ok)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "chain tip mismatch")
	assert.Contains(t, errs[1], "record count mismatch: expected=3, actual=2")
}

func TestCanonicalForm_IndependentOfConstruction(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.jsonl")
	pathB := filepath.Join(dir, "b.jsonl")

	a := New(pathA, canon.Default())
	require.NoError(t, a.Initialize(testHeader()))
	b := New(pathB, canon.Default())
	require.NoError(t, b.Initialize(Header{RunID: "run_test", HandoffHash: "handoff-def", PolicyHash: "policy-abc"}))

	ra := Record{AttemptID: 1, RunID: "run_test", Success: true, NextAction: taxonomy.ActionTerminate}
	rb := ra
	rb.ActionsTaken = []string{}
	rb.ChangedFiles = []string{}
	rb.EvidenceHashes = map[string]string{}
	_, err := a.Append(ra)
	require.NoError(t, err)
	_, err = b.Append(rb)
	require.NoError(t, err)

	ev := map[string]string{}
	ev["z"] = "1"
	ev["a"] = "2"
	ra2 := newRecord(2)
	ra2.EvidenceHashes = ev
	rb2 := newRecord(2)
	rb2.EvidenceHashes = map[string]string{"a": "2", "z": "1"}
	_, err = a.Append(ra2)
	require.NoError(t, err)
	_, err = b.Append(rb2)
	require.NoError(t, err)

	dataA, err := os.ReadFile(pathA)
	require.NoError(t, err)
	dataB, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.Equal(t, string(dataA), string(dataB))
	assert.Equal(t, a.ChainTip(), b.ChainTip())
}

func TestIntegrityCheck(t *testing.T) {
	l, path := newLedger(t, 2)
	require.NoError(t, l.IntegrityCheck())

	lines := readLines(t, path)
	lines[1] = strings.Replace(lines[1], `"success":false`, `"success":true`, 1)
	writeLines(t, path, lines)
	assert.ErrorIs(t, New(path, canon.Default()).IntegrityCheck(), ErrIntegrity)
}

func TestAnchor_RoundTripAndTruncation(t *testing.T) {
	l, path := newLedger(t, 2)
	anchorPath := AnchorPath(path)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, WriteAnchor(anchorPath, l.Anchor(now)))

	a, err := ReadAnchor(anchorPath)
	require.NoError(t, err)
	assert.Equal(t, "run_test", a.RunID)
	assert.Equal(t, 2, a.RecordCount)
	assert.Equal(t, l.ChainTip(), a.ChainTip)

	ok, errs := rehydrate(t, path).VerifyAgainst(a)
	assert.True(t, ok, errs)

	lines := readLines(t, path)
	writeLines(t, path, lines[:2])
	ok, errs = rehydrate(t, path).VerifyAgainst(a)
	assert.False(t, ok)
	assert.Len(t, errs, 2)
}

func TestReadAnchor_Missing(t *testing.T) {
	_, err := ReadAnchor(filepath.Join(t.TempDir(), "none.anchor.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
