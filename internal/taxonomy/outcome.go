package taxonomy

// TerminalOutcome describes how a whole run ended.
type TerminalOutcome int

const (
	OutcomeBlocked TerminalOutcome = iota
	OutcomePass
	OutcomeWaiverRequested
	OutcomeEscalationRequested
	// OutcomeWaiverApplied is only used as a policy override on RETRY; a run
	// never terminates with it.
	OutcomeWaiverApplied
)

var outcomeLabels = map[TerminalOutcome]string{
	OutcomeBlocked:             "BLOCKED",
	OutcomePass:                "PASS",
	OutcomeWaiverRequested:     "WAIVER_REQUESTED",
	OutcomeEscalationRequested: "ESCALATION_REQUESTED",
	OutcomeWaiverApplied:       "WAIVER_APPLIED",
}

// String returns the canonical uppercase label.
func (o TerminalOutcome) String() string {
	if s, ok := outcomeLabels[o]; ok {
		return s
	}
	return "BLOCKED"
}

// ParseTerminalOutcome accepts any casing.
func ParseTerminalOutcome(s string) (TerminalOutcome, error) {
	if o, ok := lookup(outcomeLabels, s); ok {
		return o, nil
	}
	return OutcomeBlocked, ParseEnumError("TerminalOutcome", s)
}

// MarshalJSON implements json.Marshaler.
func (o TerminalOutcome) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(o)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *TerminalOutcome) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseTerminalOutcome)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (o TerminalOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *TerminalOutcome) UnmarshalText(text []byte) error {
	v, err := ParseTerminalOutcome(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ExitCode returns a distinct process exit code for each outcome.
func (o TerminalOutcome) ExitCode() int {
	switch o {
	case OutcomePass:
		return 0
	case OutcomeBlocked:
		return 2
	case OutcomeWaiverRequested:
		return 4
	case OutcomeEscalationRequested:
		return 5
	default:
		return 1
	}
}
