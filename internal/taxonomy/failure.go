package taxonomy

// FailureClass describes what went wrong inside a single attempt.
type FailureClass int

const (
	FailureUnknown FailureClass = iota
	FailureTestFailure
	FailureSyntaxError
	FailureTimeout
	FailureValidationError
	FailureReviewRejection
	FailureDependencyError
	FailureEnvironmentError
	FailureToolInvocationError
	FailureConfigError
	FailureGovernanceViolation
	FailureLintError
	FailureTestFlake
	FailureTypo
	FailureFormattingError
)

var failureLabels = map[FailureClass]string{
	FailureUnknown:             "unknown",
	FailureTestFailure:         "test_failure",
	FailureSyntaxError:         "syntax_error",
	FailureTimeout:             "timeout",
	FailureValidationError:     "validation_error",
	FailureReviewRejection:     "review_rejection",
	FailureDependencyError:     "dependency_error",
	FailureEnvironmentError:    "environment_error",
	FailureToolInvocationError: "tool_invocation_error",
	FailureConfigError:         "config_error",
	FailureGovernanceViolation: "governance_violation",
	FailureLintError:           "lint_error",
	FailureTestFlake:           "test_flake",
	FailureTypo:                "typo",
	FailureFormattingError:     "formatting_error",
}

// FailureClasses returns every failure class in declaration order.
func FailureClasses() []FailureClass {
	out := make([]FailureClass, 0, len(failureLabels))
	for fc := FailureUnknown; fc <= FailureFormattingError; fc++ {
		out = append(out, fc)
	}
	return out
}

// String returns the canonical lowercase label.
func (f FailureClass) String() string {
	if s, ok := failureLabels[f]; ok {
		return s
	}
	return "unknown"
}

// ParseFailureClass accepts any casing and surrounding whitespace.
func ParseFailureClass(s string) (FailureClass, error) {
	if fc, ok := lookup(failureLabels, s); ok {
		return fc, nil
	}
	return FailureUnknown, ParseEnumError("FailureClass", s)
}

// MarshalJSON implements json.Marshaler.
func (f FailureClass) MarshalJSON() ([]byte, error) {
	return MarshalEnumJSON(f)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FailureClass) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalEnumJSON(data, ParseFailureClass)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// MarshalText implements encoding.TextMarshaler so the type works as a map key.
func (f FailureClass) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FailureClass) UnmarshalText(text []byte) error {
	v, err := ParseFailureClass(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
