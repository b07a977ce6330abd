package taxonomy

// SpineState is a node of the spine state machine.
type SpineState int

const (
	StateInit SpineState = iota
	StateRunning
	StateCheckpoint
	StateResumed
	StateTerminal
)

var stateLabels = map[SpineState]string{
	StateInit:       "INIT",
	StateRunning:    "RUNNING",
	StateCheckpoint: "CHECKPOINT",
	StateResumed:    "RESUMED",
	StateTerminal:   "TERMINAL",
}

// String returns the canonical uppercase label.
func (s SpineState) String() string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return "INIT"
}

// ParseSpineState accepts any casing.
func ParseSpineState(s string) (SpineState, error) {
	if v, ok := lookup(stateLabels, s); ok {
		return v, nil
	}
	return StateInit, ParseEnumError("SpineState", s)
}

// MarshalJSON implements json.Marshaler.
func (s SpineState) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SpineState) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseSpineState)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanTransition reports whether the state machine allows from -> to.
// TERMINAL is absorbing and INIT is entry-only.
func CanTransition(from, to SpineState) bool {
	switch from {
	case StateInit:
		return to == StateRunning
	case StateRunning:
		return to == StateCheckpoint || to == StateTerminal
	case StateCheckpoint:
		return to == StateResumed || to == StateTerminal
	case StateResumed:
		return to == StateCheckpoint || to == StateTerminal
	default:
		return false
	}
}

// Resolution is the human decision recorded on a checkpoint.
type Resolution int

const (
	ResolutionNone Resolution = iota
	ResolutionApproved
	ResolutionRejected
)

var resolutionLabels = map[Resolution]string{
	ResolutionNone:     "",
	ResolutionApproved: "APPROVED",
	ResolutionRejected: "REJECTED",
}

// String returns "APPROVED", "REJECTED", or "" when unresolved.
func (r Resolution) String() string {
	return resolutionLabels[r]
}

// ParseResolution accepts any casing; the empty string is ResolutionNone.
func ParseResolution(s string) (Resolution, error) {
	if Normalize(s) == "" {
		return ResolutionNone, nil
	}
	if v, ok := lookup(resolutionLabels, s); ok {
		return v, nil
	}
	return ResolutionNone, ParseEnumError("Resolution", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Resolution) UnmarshalText(text []byte) error {
	v, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalYAML writes an unresolved decision as null.
func (r Resolution) MarshalYAML() (interface{}, error) {
	if r == ResolutionNone {
		return nil, nil
	}
	return r.String(), nil
}
