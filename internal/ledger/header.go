package ledger

import (
	"regexp"
	"strconv"

	"buildloop/internal/canon"
)

// Header is the first line of a ledger file and is immutable once written.
type Header struct {
	SchemaVersion string `json:"schema_version"`
	PolicyHash    string `json:"policy_hash"`
	HandoffHash   string `json:"handoff_hash"`
	RunID         string `json:"run_id"`
	HeaderHash    string `json:"header_hash,omitempty"`
}

// headerLine is the on-disk form, tagged so a reader can tell it apart from
// attempt records.
type headerLine struct {
	Type          string `json:"type"`
	SchemaVersion string `json:"schema_version"`
	PolicyHash    string `json:"policy_hash"`
	HandoffHash   string `json:"handoff_hash"`
	RunID         string `json:"run_id"`
	HeaderHash    string `json:"header_hash,omitempty"`
}

const headerType = "header"

func (h Header) line() headerLine {
	return headerLine{
		Type:          headerType,
		SchemaVersion: h.SchemaVersion,
		PolicyHash:    h.PolicyHash,
		HandoffHash:   h.HandoffHash,
		RunID:         h.RunID,
		HeaderHash:    h.HeaderHash,
	}
}

// ComputeHeaderHash hashes every header field except header_hash itself.
func ComputeHeaderHash(p canon.HashPolicy, h Header) (string, error) {
	return p.HashJSON(map[string]string{
		"type":           headerType,
		"schema_version": h.SchemaVersion,
		"policy_hash":    h.PolicyHash,
		"handoff_hash":   h.HandoffHash,
		"run_id":         h.RunID,
	})
}

var schemaPattern = regexp.MustCompile(`^v(\d+)\.(\d+)$`)

// ParseSchemaVersion parses "v<major>.<minor>" numerically.
func ParseSchemaVersion(v string) (major, minor int, ok bool) {
	m := schemaPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(m[1])
	minor, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// IsChainRequired reports whether a schema version must carry a hash chain.
// Only the exact legacy version is chain-optional; anything unparseable is
// treated as a future version and requires the chain. "v1.10" is newer than
// "v1.1".
func IsChainRequired(version string) bool {
	if version == SchemaLegacy {
		return false
	}
	major, minor, ok := ParseSchemaVersion(version)
	if !ok {
		return true
	}
	if major != 1 {
		return major > 1
	}
	return minor >= 1
}
