package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity marks any condition where on-disk content cannot be trusted.
	ErrIntegrity = errors.New("ledger integrity violation")
	// ErrLegacyReadOnly is returned when appending to a pre-chain ledger.
	ErrLegacyReadOnly = errors.New("append blocked for legacy v1.0 ledger; migrate first")
	// ErrNotInitialized is returned when no header has been written or hydrated.
	ErrNotInitialized = errors.New("ledger has no header")
	// ErrNotEmpty is returned by Initialize on a path with existing content.
	ErrNotEmpty = errors.New("ledger file already has content")
	// ErrSequenceGap is returned when an attempt id is not last+1.
	ErrSequenceGap = errors.New("attempt sequence gap")
)

// IntegrityError reports a corrupt or untrustworthy ledger. Line is the
// 1-based line number, or zero when the problem is not tied to one line.
type IntegrityError struct {
	Line int
	Msg  string
}

func (e *IntegrityError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ledger integrity: line %d: %s", e.Line, e.Msg)
	}
	return "ledger integrity: " + e.Msg
}

// Is lets errors.Is(err, ErrIntegrity) match any IntegrityError.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// SequenceError reports an out-of-order attempt id.
type SequenceError struct {
	Last int
	New  int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("Sequence gap: last=%d, new=%d", e.Last, e.New)
}

// Is lets errors.Is(err, ErrSequenceGap) match any SequenceError.
func (e *SequenceError) Is(target error) bool {
	return target == ErrSequenceGap
}
