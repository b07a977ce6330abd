package taxonomy

// LoopAction is the decision the policy hands back to the loop.
type LoopAction int

const (
	ActionTerminate LoopAction = iota
	ActionRetry
	ActionEscalate
	ActionWaiver
)

var actionLabels = map[LoopAction]string{
	ActionTerminate: "terminate",
	ActionRetry:     "retry",
	ActionEscalate:  "escalate",
	ActionWaiver:    "waiver",
}

// String returns the canonical lowercase label.
func (a LoopAction) String() string {
	if s, ok := actionLabels[a]; ok {
		return s
	}
	return "terminate"
}

// ParseLoopAction accepts any casing ("RETRY" and "retry" are equal).
func ParseLoopAction(s string) (LoopAction, error) {
	if a, ok := lookup(actionLabels, s); ok {
		return a, nil
	}
	return ActionTerminate, ParseEnumError("LoopAction", s)
}

// MarshalJSON implements json.Marshaler.
func (a LoopAction) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(a)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *LoopAction) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseLoopAction)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a LoopAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *LoopAction) UnmarshalText(text []byte) error {
	v, err := ParseLoopAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
