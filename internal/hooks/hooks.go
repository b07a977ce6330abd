// Package hooks runs the lifecycle gates around a spine run. Pre-run hooks
// must all pass or the run is blocked; post-run hook failures downgrade a
// PASS to BLOCKED. Every hook in a sequence runs, even after a failure.
package hooks

import (
	"fmt"
	"strings"
)

// Phase names a hook sequence.
type Phase string

const (
	PhasePreRun  Phase = "pre_run"
	PhasePostRun Phase = "post_run"
)

// Result is the outcome of one hook.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

func pass(name string) Result { return Result{Name: name, Passed: true, Reason: "ok"} }

func fail(name, format string, args ...interface{}) Result {
	return Result{Name: name, Reason: fmt.Sprintf(format, args...)}
}

// Hook is a named check over input T.
type Hook[T any] struct {
	Name  string
	Check func(T) Result
}

// SequenceResult aggregates one phase.
type SequenceResult struct {
	Phase   Phase    `json:"phase"`
	Results []Result `json:"results"`
}

// AllPassed reports whether no hook failed.
func (s SequenceResult) AllPassed() bool {
	return len(s.Failed()) == 0
}

// Failed returns the failing hooks in run order.
func (s SequenceResult) Failed() []Result {
	var out []Result
	for _, r := range s.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// FailedNames joins the failing hook names with commas.
func (s SequenceResult) FailedNames() string {
	var names []string
	for _, r := range s.Failed() {
		names = append(names, r.Name)
	}
	return strings.Join(names, ",")
}

// Run executes every hook in order. A panicking hook is recorded as a
// failure under its own name.
func Run[T any](phase Phase, hooks []Hook[T], in T) SequenceResult {
	seq := SequenceResult{Phase: phase, Results: make([]Result, 0, len(hooks))}
	for _, h := range hooks {
		seq.Results = append(seq.Results, runOne(h, in))
	}
	return seq
}

func runOne[T any](h Hook[T], in T) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fail(h.Name, "hook panicked: %v", r)
		}
	}()
	res = h.Check(in)
	if res.Name == "" {
		res.Name = h.Name
	}
	return res
}
