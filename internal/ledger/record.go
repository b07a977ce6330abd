package ledger

import "buildloop/internal/taxonomy"

// Schema versions understood by the ledger.
const (
	// SchemaLegacy ledgers carry no hash chain and are read-only.
	SchemaLegacy = "v1.0"
	// SchemaCurrent is written by Initialize when no version is given.
	SchemaCurrent = "v1.1"
)

// Record is one attempt. Once appended it is never mutated.
type Record struct {
	AttemptID      int                      `json:"attempt_id"`
	Timestamp      string                   `json:"timestamp"`
	RunID          string                   `json:"run_id"`
	PolicyHash     string                   `json:"policy_hash"`
	InputHash      string                   `json:"input_hash"`
	ActionsTaken   []string                 `json:"actions_taken"`
	DiffHash       string                   `json:"diff_hash,omitempty"`
	ChangedFiles   []string                 `json:"changed_files"`
	EvidenceHashes map[string]string        `json:"evidence_hashes"`
	Success        bool                     `json:"success"`
	FailureClass   *taxonomy.FailureClass   `json:"failure_class,omitempty"`
	TerminalReason *taxonomy.TerminalReason `json:"terminal_reason,omitempty"`
	NextAction     taxonomy.LoopAction      `json:"next_action"`
	Rationale      string                   `json:"rationale"`
	PlanBypass     *PlanBypass              `json:"plan_bypass_info,omitempty"`

	PrevRecordHash string `json:"prev_record_hash,omitempty"`
	RecordHash     string `json:"record_hash,omitempty"`
}

// Class returns the failure class, or FailureUnknown when none is set.
func (r Record) Class() taxonomy.FailureClass {
	if r.FailureClass == nil {
		return taxonomy.FailureUnknown
	}
	return *r.FailureClass
}

// normalized fills nil collections so that records built through different
// code paths serialize identically.
func (r Record) normalized() Record {
	if r.ActionsTaken == nil {
		r.ActionsTaken = []string{}
	}
	if r.ChangedFiles == nil {
		r.ChangedFiles = []string{}
	}
	if r.EvidenceHashes == nil {
		r.EvidenceHashes = map[string]string{}
	}
	return r
}

// BypassMode selects which shape of proposed change a plan bypass covers.
type BypassMode string

const (
	ModePatchful      BypassMode = "patchful"
	ModeNoChangeRerun BypassMode = "no_change_rerun"
)

// PatchStats describes a proposed change as measured by a speculative build.
type PatchStats struct {
	FilesTouched       int      `json:"files_touched"`
	TotalLineDelta     int      `json:"total_line_delta"`
	AddedLines         int      `json:"added_lines"`
	DeletedLines       int      `json:"deleted_lines"`
	Files              []string `json:"files"`
	HasSuspiciousModes bool     `json:"has_suspicious_modes"`
	DiffHash           string   `json:"diff_hash,omitempty"`
}

// BypassScope is the measured size of the change under evaluation.
type BypassScope struct {
	FilesTouched   int      `json:"files_touched"`
	TotalLineDelta int      `json:"total_line_delta"`
	Files          []string `json:"files"`
}

// BypassBudget is a snapshot of remaining bypass allowance.
type BypassBudget struct {
	PerClassRemaining int `json:"per_class_remaining"`
	GlobalRemaining   int `json:"global_remaining"`
}

// ProposedPatch records whether a patch was supplied and its measured fields.
type ProposedPatch struct {
	Present bool        `json:"present"`
	Stats   *PatchStats `json:"stats,omitempty"`
}

// PlanBypass is the structured plan-bypass decision stored with an attempt.
type PlanBypass struct {
	Evaluated         bool          `json:"evaluated"`
	Eligible          bool          `json:"eligible"`
	Applied           bool          `json:"applied"`
	RuleID            string        `json:"rule_id"`
	DecisionReason    string        `json:"decision_reason"`
	Scope             BypassScope   `json:"scope"`
	ProtectedPathsHit []string      `json:"protected_paths_hit"`
	Budget            BypassBudget  `json:"budget"`
	Mode              BypassMode    `json:"mode"`
	ProposedPatch     ProposedPatch `json:"proposed_patch"`
}
