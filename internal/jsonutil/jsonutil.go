// Package jsonutil holds the JSON decoding helpers shared by the ledger,
// the spine and mission results.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrTrailingData is returned by UnmarshalStrict when input continues
// past the first value.
var ErrTrailingData = errors.New("trailing data after JSON value")

// UnmarshalWithContext decodes data into v, prefixing any error with what.
func UnmarshalWithContext(data []byte, v any, what string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// UnmarshalStrict decodes exactly one JSON value into v. Unknown object
// fields are errors.
func UnmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ErrTrailingData
	}
	return nil
}

// GetBool reports m[key] when it holds a bool.
func GetBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// GetStringSlice reads a list of strings from a decoded payload. Both
// []string and []any are accepted; non-string elements are dropped.
func GetStringSlice(m map[string]any, key string) []string {
	switch list := m[key].(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
