package bypass

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/ledger"
	"buildloop/internal/lock"
	"buildloop/internal/policy"
	"buildloop/internal/taxonomy"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	dir := t.TempDir()
	g := NewGuard(
		policy.New(policy.DefaultConfig(), nil),
		NewStore(filepath.Join(dir, "budget.json")),
		filepath.Join(dir, "budget.lock"),
		100*time.Millisecond,
		zerolog.Nop(),
	)
	n := 0
	g.NewID = func() string { n++; return fmt.Sprintf("entry-%d", n) }
	g.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return g
}

func typoRequest() policy.BypassRequest {
	return policy.BypassRequest{
		Class:    taxonomy.FailureTypo,
		Mode:     ledger.ModePatchful,
		Patch:    &ledger.PatchStats{FilesTouched: 1, TotalLineDelta: 2, Files: []string{"README.md"}},
		Registry: []string{},
	}
}

func TestStore_LoadMissingAndAppend(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "bypass", "budget.json"))
	entries, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, s.Append(Entry{ID: "a", RunID: "run_1", FailureClass: taxonomy.FailureTypo}))
	require.NoError(t, s.Append(Entry{ID: "b", RunID: "run_2", FailureClass: taxonomy.FailureLintError}))

	entries, err = s.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, taxonomy.FailureLintError, entries[1].FailureClass)
}

func TestStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0644))
	_, err := NewStore(path).Load()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":"9","entries":[]}`), 0644))
	_, err = NewStore(path).Load()
	assert.Error(t, err)
}

func TestUsage_ExcludesCurrentRun(t *testing.T) {
	u := Usage([]Entry{
		{RunID: "run_1", FailureClass: taxonomy.FailureTypo},
		{RunID: "run_1", FailureClass: taxonomy.FailureLintError},
		{RunID: "run_2", FailureClass: taxonomy.FailureTypo},
	}, "run_2")
	assert.Equal(t, 2, u.Global)
	assert.Equal(t, 1, u.PerClass[taxonomy.FailureTypo])
	assert.Equal(t, 1, u.PerClass[taxonomy.FailureLintError])
}

func TestEvaluateAndApply_AppliesAndRecords(t *testing.T) {
	g := newTestGuard(t)
	var applied []ledger.PlanBypass

	d, err := g.EvaluateAndApply(context.Background(), typoRequest(), "run_a", 1, func(pb ledger.PlanBypass) error {
		applied = append(applied, pb)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, d.Eligible)
	assert.True(t, d.Applied)
	require.Len(t, applied, 1)

	entries, err := g.Store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{
		ID:           "entry-1",
		RunID:        "run_a",
		AttemptID:    1,
		FailureClass: taxonomy.FailureTypo,
		RuleID:       "loop.typo",
		AppliedAt:    "2026-02-01T00:00:00Z",
	}, entries[0])
}

func TestEvaluateAndApply_BudgetHoldsAcrossRuns(t *testing.T) {
	g := newTestGuard(t)
	noop := func(ledger.PlanBypass) error { return nil }

	for i := 0; i < 3; i++ {
		d, err := g.EvaluateAndApply(context.Background(), typoRequest(), fmt.Sprintf("run_%d", i), 1, noop)
		require.NoError(t, err)
		require.True(t, d.Applied, "run %d", i)
	}

	d, err := g.EvaluateAndApply(context.Background(), typoRequest(), "run_new", 1, noop)
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, policy.ReasonBypassPerClassExhausted, d.DecisionReason)
	assert.Equal(t, 2, d.Budget.GlobalRemaining)
}

func TestEvaluateAndApply_LockHeldDenies(t *testing.T) {
	g := newTestGuard(t)
	held, err := lock.Acquire(context.Background(), g.LockPath, 0)
	require.NoError(t, err)
	defer held.Release()

	called := false
	d, err := g.EvaluateAndApply(context.Background(), typoRequest(), "run_a", 1, func(ledger.PlanBypass) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonLockUnavailable, d.DecisionReason)
	assert.False(t, called)
}

func TestEvaluateAndApply_StoreUnreadableDenies(t *testing.T) {
	g := newTestGuard(t)
	require.NoError(t, os.WriteFile(g.Store.Path(), []byte("garbage"), 0644))

	d, err := g.EvaluateAndApply(context.Background(), typoRequest(), "run_a", 1, nil)
	require.NoError(t, err)
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonStoreUnavailable, d.DecisionReason)
}

func TestEvaluateAndApply_ApplyFailure(t *testing.T) {
	g := newTestGuard(t)
	boom := errors.New("patch does not apply")

	d, err := g.EvaluateAndApply(context.Background(), typoRequest(), "run_a", 1, func(ledger.PlanBypass) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, d.Applied)

	entries, err := g.Store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries, "failed apply consumes no budget")
}

func TestEvaluateAndApply_IneligibleSkipsApply(t *testing.T) {
	g := newTestGuard(t)
	req := typoRequest()
	req.Class = taxonomy.FailureTestFailure

	d, err := g.EvaluateAndApply(context.Background(), req, "run_a", 1, func(ledger.PlanBypass) error {
		t.Fatal("apply must not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, d.Eligible)
}
