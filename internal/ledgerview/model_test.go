package ledgerview

import (
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/canon"
	"buildloop/internal/ledger"
	"buildloop/internal/taxonomy"
)

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(filepath.Join(t.TempDir(), "attempt_ledger.jsonl"), canon.Default())
	require.NoError(t, l.Initialize(ledger.Header{PolicyHash: "p", HandoffHash: "h", RunID: "run_view"}))
	fc := taxonomy.FailureLintError
	_, err := l.Append(ledger.Record{AttemptID: 1, RunID: "run_view", FailureClass: &fc, NextAction: taxonomy.ActionRetry})
	require.NoError(t, err)
	_, err = l.Append(ledger.Record{
		AttemptID:  2,
		RunID:      "run_view",
		Success:    true,
		NextAction: taxonomy.ActionTerminate,
		PlanBypass: &ledger.PlanBypass{Evaluated: true, Eligible: true, Applied: true},
	})
	require.NoError(t, err)
	return l
}

func press(m tea.Model, k tea.KeyMsg) (Model, tea.Cmd) {
	next, cmd := m.Update(k)
	return next.(Model), cmd
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func TestRows(t *testing.T) {
	l := testLedger(t)
	r := rows(l.Records())
	require.Len(t, r, 2)
	assert.Equal(t, "1", r[0][0])
	assert.Equal(t, "no", r[0][1])
	assert.Equal(t, "lint_error", r[0][2])
	assert.Equal(t, "retry", r[0][3])
	assert.Equal(t, "yes", r[1][4])
	assert.Len(t, r[1][5], 12)
}

func TestEnterShowsRecordAndEscReturns(t *testing.T) {
	m := New(testLedger(t), nil)
	m, _ = press(m, tea.KeyMsg{Type: tea.KeyEnter})
	require.True(t, m.Detail())
	assert.Contains(t, m.View(), "attempt_id")
	assert.Contains(t, m.View(), "lint_error")

	m, _ = press(m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.Detail())
}

func TestVerify(t *testing.T) {
	l := testLedger(t)
	m := New(l, nil)
	m, _ = press(m, runes("v"))
	assert.Contains(t, m.Status(), "chain OK: 2 records")

	a := l.Anchor(time.Now())
	a.RecordCount = 5
	m = New(l, &a)
	m, _ = press(m, runes("v"))
	assert.Contains(t, m.Status(), "chain BROKEN")
	assert.Contains(t, m.Status(), "record count mismatch")
	assert.Contains(t, m.View(), "chain BROKEN")
}

func TestQuit(t *testing.T) {
	m := New(testLedger(t), nil)
	_, cmd := press(m, runes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestEmptyLedger(t *testing.T) {
	l := ledger.New(filepath.Join(t.TempDir(), "l.jsonl"), canon.Default())
	require.NoError(t, l.Initialize(ledger.Header{PolicyHash: "p", HandoffHash: "h", RunID: "run_empty"}))
	m := New(l, nil)
	assert.Contains(t, m.View(), "no records")
	m, _ = press(m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, m.Detail())
}
