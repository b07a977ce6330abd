package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Status is the live state of a run, written for pollers such as the CLI
// status command.
type Status struct {
	// State is the spine state label.
	State string `json:"state"`
	RunID string `json:"run_id"`

	// Step is the step currently executing, empty between steps.
	Step      string `json:"step,omitempty"`
	StepIndex int    `json:"step_index"`
	Attempt   int    `json:"attempt,omitempty"`

	// Elapsed is the time since the run started, in nanoseconds.
	Elapsed int64 `json:"elapsed_ns"`

	// Outcome and Reason are set once the run is terminal.
	Outcome string `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"`

	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// StatusWriter manages writing status updates to a file.
type StatusWriter struct {
	path string
}

// NewStatusWriter creates a StatusWriter for path.
func NewStatusWriter(path string) *StatusWriter {
	return &StatusWriter{path: path}
}

// Path returns the status file path.
func (w *StatusWriter) Path() string { return w.path }

// Write replaces the status file atomically.
func (w *StatusWriter) Write(status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return WriteAtomic(w.path, data)
}

// Read loads the status file. A missing file reports ok=false.
func (w *StatusWriter) Read() (Status, bool, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, false, fmt.Errorf("parse status: %w", err)
	}
	return s, true, nil
}

// Clear removes the status file.
func (w *StatusWriter) Clear() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove status file: %w", err)
	}
	return nil
}
