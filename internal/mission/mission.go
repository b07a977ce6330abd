// Package mission defines the executor boundary the spine and the build
// cycle call for each pipeline step.
package mission

import (
	"context"
	"fmt"
	"sort"

	"buildloop/internal/jsonutil"
	"buildloop/internal/taxonomy"
)

// Type names a pipeline step implementation.
type Type int

const (
	TypeDesign Type = iota
	TypeBuild
	TypeReview
	TypeSteward
	TypeBuildWithValidation
	TypeAutonomousBuildCycle
	TypeEcho
)

var typeLabels = map[Type]string{
	TypeDesign:               "design",
	TypeBuild:                "build",
	TypeReview:               "review",
	TypeSteward:              "steward",
	TypeBuildWithValidation:  "build_with_validation",
	TypeAutonomousBuildCycle: "autonomous_build_cycle",
	TypeEcho:                 "echo",
}

// String returns the lowercase label.
func (t Type) String() string {
	if s, ok := typeLabels[t]; ok {
		return s
	}
	return fmt.Sprintf("mission(%d)", int(t))
}

// ParseType accepts any casing.
func ParseType(s string) (Type, error) {
	norm := taxonomy.Normalize(s)
	for t, l := range typeLabels {
		if l == norm {
			return t, nil
		}
	}
	return TypeEcho, taxonomy.ParseEnumError("mission.Type", s)
}

// MarshalJSON implements json.Marshaler.
func (t Type) MarshalJSON() ([]byte, error) {
	return taxonomy.MarshalEnumJSON(t)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Type) UnmarshalJSON(data []byte) error {
	v, err := taxonomy.UnmarshalEnumJSON(data, ParseType)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Context is the environment a mission runs in.
type Context struct {
	WorkDir        string            `json:"work_dir"`
	BaselineCommit string            `json:"baseline_commit"`
	RunID          string            `json:"run_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Result is what a mission reports back. A failed result is not an error:
// the caller routes it through policy.
type Result struct {
	Success          bool                   `json:"success"`
	Outputs          map[string]interface{} `json:"outputs"`
	ExecutedSteps    []string               `json:"executed_steps"`
	Error            string                 `json:"error,omitempty"`
	EscalationReason string                 `json:"escalation_reason,omitempty"`
	Evidence         map[string]string      `json:"evidence,omitempty"`
	// FailureClass optionally classifies a failure; empty means unknown.
	FailureClass string `json:"failure_class,omitempty"`
}

// Suspended reports whether the mission asked for human escalation.
func (r *Result) Suspended() bool {
	if r == nil {
		return false
	}
	return r.EscalationReason != "" || jsonutil.GetBool(r.Outputs, "escalation_required")
}

// Class parses FailureClass, falling back to unknown.
func (r *Result) Class() taxonomy.FailureClass {
	if r == nil || r.FailureClass == "" {
		return taxonomy.FailureUnknown
	}
	fc, err := taxonomy.ParseFailureClass(r.FailureClass)
	if err != nil {
		return taxonomy.FailureUnknown
	}
	return fc
}

// Failed returns a failed result carrying msg.
func Failed(msg string) *Result {
	return &Result{Outputs: map[string]interface{}{}, ExecutedSteps: []string{}, Error: msg}
}

// Executor runs one mission. A returned error is an unexpected fault;
// expected failures and escalations come back in Result.
type Executor interface {
	Run(ctx context.Context, mctx Context, inputs map[string]interface{}) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, mctx Context, inputs map[string]interface{}) (*Result, error)

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, mctx Context, inputs map[string]interface{}) (*Result, error) {
	return f(ctx, mctx, inputs)
}

// Registry maps mission types to executors. It is immutable: With returns
// a new registry and leaves the receiver untouched.
type Registry struct {
	executors map[Type]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[Type]Executor{}}
}

// With returns a copy of r with t bound to e.
func (r *Registry) With(t Type, e Executor) *Registry {
	next := make(map[Type]Executor, len(r.executors)+1)
	for k, v := range r.executors {
		next[k] = v
	}
	next[t] = e
	return &Registry{executors: next}
}

// Lookup returns the executor for t.
func (r *Registry) Lookup(t Type) (Executor, error) {
	if e, ok := r.executors[t]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for mission type %q", t)
}

// Types lists registered types in label order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
