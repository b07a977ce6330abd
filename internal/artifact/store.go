// Package artifact owns the on-disk layout of a controller's artifacts and
// the atomic writers used for every packet in it.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"buildloop/internal/canon"
)

const (
	// DirEnv overrides the artifacts directory (for testing).
	DirEnv = "LOOPCTL_ARTIFACTS_DIR"
	// DefaultDir is the artifacts directory relative to the workspace root.
	DefaultDir = "artifacts"
	// StatusFile is the live status file name at the workspace root.
	StatusFile = ".loop-status.json"
)

// Layout resolves artifact paths under Dir.
//
//	<dir>/terminal/TP_<run_id>.yaml
//	<dir>/checkpoints/CP_<run_id>_<step>.yaml
//	<dir>/loop_state/<run_id>/attempt_ledger.jsonl
//	<dir>/steps/<run_id>_<step>.json
//	<dir>/waivers/WAIVER_<id>.json
//	<dir>/bypass/budget.json, budget.lock
type Layout struct {
	Root string
	Dir  string
}

// NewLayout returns the layout for a workspace root. dir may be relative to
// root; empty means DirEnv, then DefaultDir.
func NewLayout(root, dir string) Layout {
	if dir == "" {
		dir = os.Getenv(DirEnv)
	}
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return Layout{Root: root, Dir: dir}
}

func (l Layout) TerminalDir() string   { return filepath.Join(l.Dir, "terminal") }
func (l Layout) CheckpointDir() string { return filepath.Join(l.Dir, "checkpoints") }
func (l Layout) LoopStateDir() string  { return filepath.Join(l.Dir, "loop_state") }
func (l Layout) StepsDir() string      { return filepath.Join(l.Dir, "steps") }
func (l Layout) WaiversDir() string    { return filepath.Join(l.Dir, "waivers") }
func (l Layout) BypassDir() string     { return filepath.Join(l.Dir, "bypass") }

// TerminalPath is the terminal packet for runID.
func (l Layout) TerminalPath(runID string) string {
	return filepath.Join(l.TerminalDir(), "TP_"+runID+".yaml")
}

// CheckpointID names the checkpoint taken at step.
func CheckpointID(runID string, step int) string {
	return "CP_" + runID + "_" + strconv.Itoa(step)
}

// CheckpointPath is the packet file for a checkpoint id.
func (l Layout) CheckpointPath(id string) string {
	return filepath.Join(l.CheckpointDir(), id+".yaml")
}

// LedgerPath is the attempt ledger for runID.
func (l Layout) LedgerPath(runID string) string {
	return filepath.Join(l.LoopStateDir(), runID, "attempt_ledger.jsonl")
}

// StepPath is the summary of one step of runID.
func (l Layout) StepPath(runID, step string) string {
	return filepath.Join(l.StepsDir(), runID+"_"+step+".json")
}

func (l Layout) BypassBudgetPath() string { return filepath.Join(l.BypassDir(), "budget.json") }
func (l Layout) BypassLockPath() string   { return filepath.Join(l.BypassDir(), "budget.lock") }

// StatusPath is the live status file.
func (l Layout) StatusPath() string { return filepath.Join(l.Root, StatusFile) }

// Rel returns path relative to the workspace root, or path unchanged when
// it lies outside.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// WriteAtomic writes data to path through a temp file and rename, creating
// parent directories.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteYAML encodes v with two-space indentation and writes it atomically.
// Map keys are sorted by the encoder; struct fields keep declaration order.
func WriteYAML(path string, v interface{}) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteAtomic(path, buf.Bytes())
}

// ReadYAML decodes path into v, rejecting unknown fields.
func ReadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON writes v as indented JSON with sorted map keys.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteAtomic(path, append(data, '\n'))
}

// FileHash hashes a file's bytes under p.
func FileHash(p canon.HashPolicy, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return p.HashBytes(data), nil
}
