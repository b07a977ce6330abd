package taxonomy

// TerminalReason is the machine-readable cause attached to a terminal outcome.
type TerminalReason int

const (
	ReasonPass TerminalReason = iota
	ReasonBudgetExhausted
	ReasonNoProgress
	ReasonOscillationDetected
	ReasonLedgerCorrupt
	ReasonPolicyChangedMidRun
	ReasonPreflightChecklistFailed
	ReasonPostflightChecklistFailed
	ReasonGovernanceEscalation
	ReasonDiffBudgetExceeded
	ReasonCriticalFailure
	ReasonMaxRetriesExceeded
	ReasonMissionFailed
	ReasonCheckpointRejected
	ReasonCheckpointTriggered
	ReasonExecutionError
	ReasonWaiverRequested
)

var reasonLabels = map[TerminalReason]string{
	ReasonPass:                      "pass",
	ReasonBudgetExhausted:           "budget_exhausted",
	ReasonNoProgress:                "no_progress",
	ReasonOscillationDetected:       "oscillation_detected",
	ReasonLedgerCorrupt:             "ledger_corrupt",
	ReasonPolicyChangedMidRun:       "policy_changed_mid_run",
	ReasonPreflightChecklistFailed:  "preflight_checklist_failed",
	ReasonPostflightChecklistFailed: "postflight_checklist_failed",
	ReasonGovernanceEscalation:      "governance_escalation",
	ReasonDiffBudgetExceeded:        "diff_budget_exceeded",
	ReasonCriticalFailure:           "critical_failure",
	ReasonMaxRetriesExceeded:        "max_retries_exceeded",
	ReasonMissionFailed:             "mission_failed",
	ReasonCheckpointRejected:        "checkpoint_rejected",
	ReasonCheckpointTriggered:       "checkpoint_triggered",
	ReasonExecutionError:            "execution_error",
	ReasonWaiverRequested:           "waiver_requested",
}

// String returns the canonical lowercase label.
func (r TerminalReason) String() string {
	if s, ok := reasonLabels[r]; ok {
		return s
	}
	return "critical_failure"
}

// ParseTerminalReason accepts any casing, so config files may use either
// "MAX_RETRIES_EXCEEDED" or "max_retries_exceeded".
func ParseTerminalReason(s string) (TerminalReason, error) {
	if r, ok := lookup(reasonLabels, s); ok {
		return r, nil
	}
	return ReasonCriticalFailure, ParseEnumError("TerminalReason", s)
}

// MarshalJSON implements json.Marshaler.
func (r TerminalReason) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(r)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *TerminalReason) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseTerminalReason)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (r TerminalReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TerminalReason) UnmarshalText(text []byte) error {
	v, err := ParseTerminalReason(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
