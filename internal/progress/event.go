// Package progress carries live step events from the spine and the build
// cycle to whatever is displaying them.
package progress

import "time"

// Status indicates the state of a step.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusSuspended Status = "suspended"
	StatusSkipped   Status = "skipped"
)

// Event is one step transition.
type Event struct {
	RunID     string
	Step      string
	StepIndex int
	Message   string
	Status    Status
	Timestamp time.Time
	Metadata  map[string]string // optional: attempt, action, etc.
}

// Emitter receives events. Emit must not block the caller.
type Emitter interface {
	Emit(ev Event)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// ChanEmitter emits events to a channel.
type ChanEmitter struct {
	Ch chan<- Event
}

// Emit sends the event to the channel (non-blocking; drops if full).
func (e *ChanEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.Ch <- ev:
	default:
		// Channel full; drop to avoid blocking the run
	}
}

// Func adapts a function to Emitter.
type Func func(Event)

// Emit implements Emitter.
func (f Func) Emit(ev Event) { f(ev) }
