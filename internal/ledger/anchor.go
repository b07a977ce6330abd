package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Anchor is the externally stored witness of a ledger's tail. The ledger
// alone cannot reveal a truncated suffix; comparing against the last anchor
// written after a successful append can.
type Anchor struct {
	RunID         string `json:"run_id"`
	SchemaVersion string `json:"schema_version"`
	ChainTip      string `json:"chain_tip"`
	RecordCount   int    `json:"record_count"`
	UpdatedAt     string `json:"updated_at"`
}

// AnchorPath returns the conventional anchor location for a ledger file.
func AnchorPath(ledgerPath string) string {
	return ledgerPath + ".anchor.json"
}

// Anchor snapshots the current tip and count.
func (l *Ledger) Anchor(now time.Time) Anchor {
	a := Anchor{
		SchemaVersion: l.SchemaVersion(),
		ChainTip:      l.ChainTip(),
		RecordCount:   len(l.records),
		UpdatedAt:     now.UTC().Format(time.RFC3339Nano),
	}
	if l.header != nil {
		a.RunID = l.header.RunID
	}
	return a
}

// VerifyAgainst runs VerifyChain with the anchor as the external witness.
func (l *Ledger) VerifyAgainst(a Anchor) (bool, []string) {
	return l.VerifyChain(WithExpectedTip(a.ChainTip), WithExpectedCount(a.RecordCount))
}

// WriteAnchor writes the anchor atomically: temp file, then rename.
func WriteAnchor(path string, a Anchor) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal anchor: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadAnchor loads an anchor. A missing file is reported with an error
// satisfying errors.Is(err, os.ErrNotExist).
func ReadAnchor(path string) (Anchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Anchor{}, err
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return Anchor{}, &IntegrityError{Msg: fmt.Sprintf("corrupt anchor %s: %v", path, err)}
	}
	return a, nil
}
