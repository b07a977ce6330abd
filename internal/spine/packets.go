package spine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"buildloop/internal/artifact"
	"buildloop/internal/taxonomy"
)

// TriggerEscalation is the checkpoint trigger for a mission that asked for
// human review.
const TriggerEscalation = "ESCALATION_REQUESTED"

// TaskSpec is the caller's task description. The spine reads "task",
// "context_refs", "scope_paths", "allowed_paths" and "denied_paths" and
// carries everything else through untouched.
type TaskSpec map[string]interface{}

// Fields are declared in key order so packets serialize sorted.

// CheckpointPacket is the persisted suspension point. The approver edits
// Resolved and ResolutionDecision in place.
type CheckpointPacket struct {
	CheckpointID       string   `yaml:"checkpoint_id"`
	EscalationReason   string   `yaml:"escalation_reason,omitempty"`
	PolicyHash         string   `yaml:"policy_hash"`
	ResolutionDecision *string  `yaml:"resolution_decision"`
	Resolved           bool     `yaml:"resolved"`
	RunID              string   `yaml:"run_id"`
	StepIndex          int      `yaml:"step_index"`
	StepName           string   `yaml:"step_name"`
	TaskSpec           TaskSpec `yaml:"task_spec"`
	Timestamp          string   `yaml:"timestamp"`
	Trigger            string   `yaml:"trigger"`
}

// Resolution parses the decision. An unset decision is ResolutionNone.
func (p CheckpointPacket) Resolution() (taxonomy.Resolution, error) {
	if p.ResolutionDecision == nil {
		return taxonomy.ResolutionNone, nil
	}
	return taxonomy.ParseResolution(*p.ResolutionDecision)
}

// TerminalPacket is the single closing artifact of a run or resume.
type TerminalPacket struct {
	CommitHash          string   `yaml:"commit_hash,omitempty"`
	LedgerChainTip      string   `yaml:"ledger_chain_tip,omitempty"`
	LedgerSchemaVersion string   `yaml:"ledger_schema_version,omitempty"`
	Outcome             string   `yaml:"outcome"`
	Reason              string   `yaml:"reason"`
	ResumedFrom         string   `yaml:"resumed_from,omitempty"`
	RunID               string   `yaml:"run_id"`
	StepsExecuted       []string `yaml:"steps_executed"`
	Timestamp           string   `yaml:"timestamp"`
}

// stepSummary is written after every mission step so a resume in another
// process can rebuild the chain state.
type stepSummary struct {
	RunID            string                 `json:"run_id"`
	Step             string                 `json:"step"`
	StepIndex        int                    `json:"step_index"`
	Success          bool                   `json:"success"`
	Outputs          map[string]interface{} `json:"outputs"`
	ExecutedSteps    []string               `json:"executed_steps"`
	Error            string                 `json:"error,omitempty"`
	EscalationReason string                 `json:"escalation_reason,omitempty"`
	Timestamp        string                 `json:"timestamp"`
}

// LoadCheckpoint reads the packet for id.
func LoadCheckpoint(layout artifact.Layout, id string) (CheckpointPacket, error) {
	path := layout.CheckpointPath(id)
	var cp CheckpointPacket
	if err := artifact.ReadYAML(path, &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CheckpointPacket{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return CheckpointPacket{}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	if _, err := cp.Resolution(); err != nil {
		return CheckpointPacket{}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// ResolveCheckpoint records an approval or rejection on checkpoint id and
// rewrites it in place.
func ResolveCheckpoint(layout artifact.Layout, id string, decision taxonomy.Resolution) (CheckpointPacket, error) {
	if decision == taxonomy.ResolutionNone {
		return CheckpointPacket{}, fmt.Errorf("resolve %s: decision must be APPROVED or REJECTED", id)
	}
	cp, err := LoadCheckpoint(layout, id)
	if err != nil {
		return CheckpointPacket{}, err
	}
	label := decision.String()
	cp.Resolved = true
	cp.ResolutionDecision = &label
	if err := artifact.WriteYAML(layout.CheckpointPath(id), cp); err != nil {
		return CheckpointPacket{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	return cp, nil
}

// LoadTerminal reads the terminal packet for runID.
func LoadTerminal(layout artifact.Layout, runID string) (TerminalPacket, error) {
	var tp TerminalPacket
	if err := artifact.ReadYAML(layout.TerminalPath(runID), &tp); err != nil {
		return TerminalPacket{}, fmt.Errorf("load terminal packet %s: %w", runID, err)
	}
	return tp, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
