package main

import (
	"errors"

	"buildloop/internal/ledger"
	"buildloop/internal/spine"
	"buildloop/internal/taxonomy"
	"buildloop/internal/workspace"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitBlocked         = 2
	ExitCheckpoint      = 3
	ExitWaiver          = 4
	ExitEscalation      = 5
	ExitPolicyChanged   = 6
	ExitDirtyWorkspace  = 7
	ExitLedgerIntegrity = 8
)

// exitError carries a non-zero exit code for an outcome that already has
// been reported on stdout. Its message may be empty.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }


// ExitCode maps err to a process exit code. Only loopctl's own exitError
// carries a code through; a wrapped *exec.ExitError from git or an agent is
// a runtime error like any other.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, spine.ErrPolicyChanged):
		return ExitPolicyChanged
	case errors.Is(err, workspace.ErrDirty):
		return ExitDirtyWorkspace
	case errors.Is(err, ledger.ErrIntegrity), errors.Is(err, ledger.ErrSequenceGap):
		return ExitLedgerIntegrity
	case errors.Is(err, spine.ErrUnresolved):
		return ExitCheckpoint
	}
	return ExitError
}

// outcomeExit returns nil for PASS and an exitError otherwise.
func outcomeExit(state taxonomy.SpineState, o taxonomy.TerminalOutcome) error {
	if state == taxonomy.StateCheckpoint {
		return &exitError{code: ExitCheckpoint}
	}
	if o == taxonomy.OutcomePass {
		return nil
	}
	return &exitError{code: o.ExitCode()}
}
