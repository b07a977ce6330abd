package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/artifact"
	"buildloop/internal/canon"
	"buildloop/internal/config"
	"buildloop/internal/ledger"
	"buildloop/internal/policy"
	"buildloop/internal/spine"
	"buildloop/internal/taxonomy"
	"buildloop/internal/workspace"
)

// isolate clears settings sources so each test sees defaults plus its own
// flags.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvOTLPEndpoint, "")
	t.Setenv(artifact.DirEnv, "")
	t.Setenv("LOOPCTL_LOG_LEVEL", "error")
	return t.TempDir()
}

func executeCmd(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := Execute(&stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRoot_Help(t *testing.T) {
	stdout, _, err := executeCmd("--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "loopctl")
	for _, name := range []string{"run", "resume", "checkpoint", "ledger", "waiver", "cycle", "policy"} {
		assert.Contains(t, stdout, name)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitError},
		{"explicit", &exitError{code: ExitWaiver}, ExitWaiver},
		{"policy changed", fmt.Errorf("resume: %w", &spine.PolicyChangedError{}), ExitPolicyChanged},
		{"dirty", &workspace.DirtyError{Entries: []string{" M a.go"}}, ExitDirtyWorkspace},
		{"integrity", &ledger.IntegrityError{Msg: "bad"}, ExitLedgerIntegrity},
		{"unresolved", fmt.Errorf("%w: CP_x", spine.ErrUnresolved), ExitCheckpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitCode_SubprocessExitIsRuntimeError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	err := workspace.New(t.TempDir()).VerifyClean(context.Background())
	require.Error(t, err)
	var xe *exec.ExitError
	require.ErrorAs(t, err, &xe)
	assert.NotEqual(t, ExitError, xe.ExitCode())
	assert.Equal(t, ExitError, ExitCode(err))

	_, _, err = executeCmd("--root", isolate(t), "cycle", "--task", "fix lint")
	require.Error(t, err)
	assert.Equal(t, ExitError, ExitCode(err))
}

func TestOutcomeExit(t *testing.T) {
	assert.NoError(t, outcomeExit(taxonomy.StateTerminal, taxonomy.OutcomePass))
	assert.Equal(t, ExitBlocked, ExitCode(outcomeExit(taxonomy.StateTerminal, taxonomy.OutcomeBlocked)))
	assert.Equal(t, ExitCheckpoint, ExitCode(outcomeExit(taxonomy.StateCheckpoint, taxonomy.OutcomeEscalationRequested)))
	assert.Equal(t, ExitEscalation, ExitCode(outcomeExit(taxonomy.StateTerminal, taxonomy.OutcomeEscalationRequested)))
	assert.Equal(t, ExitWaiver, ExitCode(outcomeExit(taxonomy.StateTerminal, taxonomy.OutcomeWaiverRequested)))
}

func TestReadTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("task: fix lint\ncontext_refs: [docs/a.md]\n"), 0644))

	task, err := readTask(path, "", []string{"src/"})
	require.NoError(t, err)
	assert.Equal(t, "fix lint", task["task"])
	assert.Equal(t, []interface{}{"docs/a.md"}, task["context_refs"])
	assert.Equal(t, []interface{}{"src/"}, task["scope_paths"])

	task, err = readTask("", "  write docs ", nil)
	require.NoError(t, err)
	assert.Equal(t, spine.TaskSpec{"task": "write docs"}, task)

	_, err = readTask("", "", nil)
	require.Error(t, err)
}

func TestCheckpointResolve(t *testing.T) {
	root := isolate(t)
	layout := artifact.NewLayout(root, "")
	cp := spine.CheckpointPacket{
		CheckpointID: "CP_run_x_2",
		PolicyHash:   "p",
		RunID:        "run_x",
		StepIndex:    2,
		StepName:     "design",
		TaskSpec:     spine.TaskSpec{"task": "t"},
		Timestamp:    "2026-03-01T00:00:00Z",
		Trigger:      spine.TriggerEscalation,
	}
	require.NoError(t, artifact.WriteYAML(layout.CheckpointPath(cp.CheckpointID), cp))

	_, _, err := executeCmd("--root", root, "checkpoint", "resolve", cp.CheckpointID, "--approve", "--reject")
	require.Error(t, err)

	stdout, _, err := executeCmd("--root", root, "checkpoint", "resolve", cp.CheckpointID, "--reject")
	require.NoError(t, err)
	assert.Contains(t, stdout, "REJECTED")

	got, err := spine.LoadCheckpoint(layout, cp.CheckpointID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	decision, err := got.Resolution()
	require.NoError(t, err)
	assert.Equal(t, taxonomy.ResolutionRejected, decision)

	stdout, _, err = executeCmd("--root", root, "checkpoint", "show", cp.CheckpointID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "resolution_decision: REJECTED")

	_, _, err = executeCmd("--root", root, "checkpoint", "show", "CP_missing_0")
	assert.ErrorIs(t, err, spine.ErrCheckpointNotFound)
}

func TestLedgerVerify(t *testing.T) {
	root := isolate(t)
	layout := artifact.NewLayout(root, "")
	path := layout.LedgerPath("run_v")
	l := ledger.New(path, canon.Default())
	require.NoError(t, l.Initialize(ledger.Header{PolicyHash: "p", HandoffHash: "h", RunID: "run_v"}))
	_, err := l.Append(ledger.Record{AttemptID: 1, RunID: "run_v", Success: true, NextAction: taxonomy.ActionTerminate})
	require.NoError(t, err)
	anchor := l.Anchor(time.Now())
	require.NoError(t, ledger.WriteAnchor(ledger.AnchorPath(path), anchor))

	stdout, _, err := executeCmd("--root", root, "ledger", "verify", "run_v")
	require.NoError(t, err)
	assert.Contains(t, stdout, "OK")
	assert.Contains(t, stdout, "matches")

	stdout, _, err = executeCmd("--root", root, "ledger", "show", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "terminate")

	anchor.RecordCount = 2
	require.NoError(t, ledger.WriteAnchor(ledger.AnchorPath(path), anchor))
	_, _, err = executeCmd("--root", root, "ledger", "verify", "run_v")
	require.Error(t, err)
	assert.Equal(t, ExitLedgerIntegrity, ExitCode(err))
}

func TestWaiverGrantAndCheck(t *testing.T) {
	root := isolate(t)
	target := []string{"--class", "test_failure", "--retry-count", "3", "--retry-limit", "3"}

	_, _, err := executeCmd(append([]string{"--root", root, "waiver", "check"}, target...)...)
	assert.Equal(t, ExitWaiver, ExitCode(err))

	stdout, _, err := executeCmd(append([]string{"--root", root, "waiver", "grant",
		"--by", "reviewer", "--reason", "known flaky suite", "--ttl", "2h"}, target...)...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "GRANTED")
	assert.Contains(t, stdout, "artifacts/waivers/WAIVER_")

	stdout, _, err = executeCmd(append([]string{"--root", root, "waiver", "check"}, target...)...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "VALID")

	_, _, err = executeCmd("--root", root, "waiver", "check", "--class", "nonsense", "--retry-limit", "1")
	require.Error(t, err)
}

func TestPolicyHash(t *testing.T) {
	isolate(t)
	policyPath, err := filepath.Abs(filepath.Join("..", "..", "internal", "policy", "testdata", "policy.yaml"))
	require.NoError(t, err)
	settings := filepath.Join(t.TempDir(), "loopctl.toml")
	require.NoError(t, os.WriteFile(settings, []byte(fmt.Sprintf("[policy]\npath = %q\n", policyPath)), 0644))

	stdout, _, err := executeCmd("--config", settings, "policy", "hash")
	require.NoError(t, err)

	loaded, err := policy.NewLoader(policyPath, canon.Default()).Load()
	require.NoError(t, err)
	first := strings.SplitN(stdout, "\n", 2)[0]
	assert.Equal(t, loaded.Hash, first)
}
