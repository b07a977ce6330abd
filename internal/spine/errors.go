package spine

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyChanged is returned by Resume when the effective policy no
	// longer hashes to the value captured at checkpoint time.
	ErrPolicyChanged = errors.New("policy changed since checkpoint")
	// ErrUnresolved is returned by Resume for a checkpoint still awaiting a
	// decision.
	ErrUnresolved = errors.New("checkpoint not resolved")
	// ErrCheckpointNotFound is returned when no packet exists for an id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrAlreadyTerminal is returned by Resume for a run that already has a
	// terminal packet.
	ErrAlreadyTerminal = errors.New("run already terminal")
	// ErrInvalidTransition guards the state machine.
	ErrInvalidTransition = errors.New("invalid spine state transition")
)

// PolicyChangedError carries both hashes of a failed resume.
type PolicyChangedError struct {
	CheckpointID   string
	CheckpointHash string
	CurrentHash    string
}

func (e *PolicyChangedError) Error() string {
	return fmt.Sprintf("policy changed since checkpoint %s: checkpoint=%s current=%s",
		e.CheckpointID, e.CheckpointHash, e.CurrentHash)
}

// Is lets errors.Is(err, ErrPolicyChanged) match any PolicyChangedError.
func (e *PolicyChangedError) Is(target error) bool {
	return target == ErrPolicyChanged
}
