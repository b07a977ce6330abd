package taxonomy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StringEnum is a constraint for enum types that have a String() method.
type StringEnum interface {
	String() string
}

// MarshalEnumJSON marshals an enum value to JSON by converting it to its string representation.
func MarshalEnumJSON[T StringEnum](v T) ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalEnumJSON unmarshals an enum value from JSON by parsing the string representation.
// parseFunc should convert a string to the enum value, or return an error if the string is invalid.
// Only the exact label String() produces is accepted: JSON is the persisted
// form and is hashed, so a re-cased label must not decode to the same value.
// Text decoding (config files, map keys) stays case-insensitive.
func UnmarshalEnumJSON[T StringEnum](data []byte, parseFunc func(string) (T, error)) (T, error) {
	var zero T
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return zero, err
	}
	v, err := parseFunc(s)
	if err != nil {
		return zero, err
	}
	if v.String() != s {
		return zero, fmt.Errorf("non-canonical label %q, want %q", s, v.String())
	}
	return v, nil
}

// ParseEnumError creates a standardized error message for invalid enum string values.
func ParseEnumError(enumName, value string) error {
	return fmt.Errorf("unknown %s: %s", enumName, value)
}

// Normalize trims and case-folds a raw category string so "  LINT_Error "
// and "lint_error" look up the same entry.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// lookup resolves a normalized label against a label table.
func lookup[T comparable](labels map[T]string, raw string) (T, bool) {
	key := Normalize(raw)
	for v, label := range labels {
		if strings.ToLower(label) == key {
			return v, true
		}
	}
	var zero T
	return zero, false
}
