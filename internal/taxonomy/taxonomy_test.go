package taxonomy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureClass_RoundTrip(t *testing.T) {
	for _, fc := range FailureClasses() {
		got, err := ParseFailureClass(fc.String())
		require.NoError(t, err, fc.String())
		assert.Equal(t, fc, got)
	}
}

func TestParseFailureClass_Normalizes(t *testing.T) {
	tests := []struct {
		in   string
		want FailureClass
	}{
		{"lint_error", FailureLintError},
		{"LiNt_ErRoR", FailureLintError},
		{"  TEST_FAILURE \n", FailureTestFailure},
		{"Unknown", FailureUnknown},
	}
	for _, tt := range tests {
		got, err := ParseFailureClass(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseFailureClass_RejectsUnknownLabel(t *testing.T) {
	_, err := ParseFailureClass("cosmic_ray")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown FailureClass: cosmic_ray")
}

func TestFailureClass_JSON(t *testing.T) {
	data, err := json.Marshal(FailureReviewRejection)
	require.NoError(t, err)
	assert.Equal(t, `"review_rejection"`, string(data))

	var fc FailureClass
	require.NoError(t, json.Unmarshal([]byte(`"review_rejection"`), &fc))
	assert.Equal(t, FailureReviewRejection, fc)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &fc))
	err = json.Unmarshal([]byte(`"Review_Rejection"`), &fc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-canonical")
}

func TestFailureClass_TextStaysLenient(t *testing.T) {
	var fc FailureClass
	require.NoError(t, fc.UnmarshalText([]byte(" LINT_Error ")))
	assert.Equal(t, FailureLintError, fc)

	var m map[FailureClass]int
	require.NoError(t, json.Unmarshal([]byte(`{"TYPO":1}`), &m))
	assert.Equal(t, 1, m[FailureTypo])
}

func TestFailureClass_MapKeyJSON(t *testing.T) {
	m := map[FailureClass]int{FailureTimeout: 2, FailureTypo: 1}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"timeout":2,"typo":1}`, string(data))
}

func TestTerminalOutcome_ParseAndExitCode(t *testing.T) {
	o, err := ParseTerminalOutcome("waiver_requested")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiverRequested, o)
	assert.Equal(t, 4, o.ExitCode())
	assert.Equal(t, 0, OutcomePass.ExitCode())
	assert.Equal(t, 2, OutcomeBlocked.ExitCode())
}

func TestTerminalReason_AcceptsMemberNames(t *testing.T) {
	r, err := ParseTerminalReason("MAX_RETRIES_EXCEEDED")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxRetriesExceeded, r)
	assert.Equal(t, "max_retries_exceeded", r.String())
}

func TestLoopAction_JSON(t *testing.T) {
	var a LoopAction
	require.NoError(t, json.Unmarshal([]byte(`"retry"`), &a))
	assert.Equal(t, ActionRetry, a)
	assert.Error(t, json.Unmarshal([]byte(`"RETRY"`), &a))
	data, err := json.Marshal(ActionEscalate)
	require.NoError(t, err)
	assert.Equal(t, `"escalate"`, string(data))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateInit, StateRunning))
	assert.True(t, CanTransition(StateRunning, StateCheckpoint))
	assert.True(t, CanTransition(StateCheckpoint, StateResumed))
	assert.True(t, CanTransition(StateResumed, StateTerminal))
	assert.False(t, CanTransition(StateTerminal, StateRunning))
	assert.False(t, CanTransition(StateRunning, StateInit))
	assert.False(t, CanTransition(StateInit, StateTerminal))
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("")
	require.NoError(t, err)
	assert.Equal(t, ResolutionNone, r)

	r, err = ParseResolution("approved")
	require.NoError(t, err)
	assert.Equal(t, ResolutionApproved, r)

	_, err = ParseResolution("maybe")
	assert.Error(t, err)
}
