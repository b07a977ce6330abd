package hooks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"buildloop/internal/policy"
)

// PreRunInput is what pre-run hooks inspect.
type PreRunInput struct {
	PolicyHash string
	// ScopePaths are the repo-relative paths the task declares it will touch.
	ScopePaths   []string
	AllowedPaths []string
	DeniedPaths  []string
	// Registry is the protected path pattern list. Nil means it failed to load.
	Registry []string
}

// PostRunInput is what post-run hooks inspect.
type PostRunInput struct {
	TerminalPacketPath string
	LedgerWriteOK      bool
	// EvidenceDir is skipped when empty.
	EvidenceDir  string
	EvidenceTier string
}

// Default pre-run and post-run hook names.
const (
	HookPolicyHashPresent     = "policy_hash_present"
	HookEnvelopeConstraints   = "envelope_constraints"
	HookProtectedPaths        = "protected_paths"
	HookTerminalPacketPresent = "terminal_packet_present"
	HookLedgerAppendSuccess   = "ledger_append_success"
	HookEvidenceCompleteness  = "evidence_completeness"
)

// DefaultPreRun returns the standard pre-run gates.
func DefaultPreRun() []Hook[PreRunInput] {
	return []Hook[PreRunInput]{
		{Name: HookPolicyHashPresent, Check: checkPolicyHashPresent},
		{Name: HookEnvelopeConstraints, Check: checkEnvelopeConstraints},
		{Name: HookProtectedPaths, Check: checkProtectedPaths},
	}
}

// DefaultPostRun returns the standard post-run gates.
func DefaultPostRun() []Hook[PostRunInput] {
	return []Hook[PostRunInput]{
		{Name: HookTerminalPacketPresent, Check: checkTerminalPacketPresent},
		{Name: HookLedgerAppendSuccess, Check: checkLedgerAppendSuccess},
		{Name: HookEvidenceCompleteness, Check: checkEvidenceCompleteness},
	}
}

func checkPolicyHashPresent(in PreRunInput) Result {
	if in.PolicyHash == "" {
		return fail(HookPolicyHashPresent, "policy_hash is missing or empty")
	}
	return pass(HookPolicyHashPresent)
}

// checkEnvelopeConstraints keeps scope paths relative, inside the repo,
// out of denied patterns and, when an allow list is set, within it.
func checkEnvelopeConstraints(in PreRunInput) Result {
	if len(in.ScopePaths) == 0 {
		return Result{Name: HookEnvelopeConstraints, Passed: true, Reason: "no scope paths to validate"}
	}
	var violations []string
	for _, p := range in.ScopePaths {
		switch {
		case policy.IsAbsolute(p):
			violations = append(violations, p+": absolute path")
		case policy.HasTraversal(p):
			violations = append(violations, p+": path traversal")
		default:
			if pat, hit := policy.MatchAny(in.DeniedPaths, p); hit {
				violations = append(violations, fmt.Sprintf("%s: denied by %s", p, pat))
			} else if len(in.AllowedPaths) > 0 {
				if _, ok := policy.MatchAny(in.AllowedPaths, p); !ok {
					violations = append(violations, p+": outside allowed paths")
				}
			}
		}
	}
	if len(violations) > 0 {
		return fail(HookEnvelopeConstraints, "envelope violations: %v", violations)
	}
	return pass(HookEnvelopeConstraints)
}

func checkProtectedPaths(in PreRunInput) Result {
	if in.Registry == nil {
		return fail(HookProtectedPaths, "protected path registry unavailable")
	}
	if len(in.ScopePaths) == 0 {
		return Result{Name: HookProtectedPaths, Passed: true, Reason: "no scope paths to validate"}
	}
	var blocked []string
	for _, p := range in.ScopePaths {
		if pat, hit := policy.MatchAny(in.Registry, p); hit {
			blocked = append(blocked, fmt.Sprintf("%s: matches %s", p, pat))
		}
	}
	if len(blocked) > 0 {
		return fail(HookProtectedPaths, "protected path violations: %v", blocked)
	}
	return pass(HookProtectedPaths)
}

func checkTerminalPacketPresent(in PostRunInput) Result {
	if in.TerminalPacketPath == "" {
		return fail(HookTerminalPacketPresent, "terminal_packet_path not provided")
	}
	if _, err := os.Stat(in.TerminalPacketPath); err != nil {
		return fail(HookTerminalPacketPresent, "terminal packet not found: %s", in.TerminalPacketPath)
	}
	return pass(HookTerminalPacketPresent)
}

func checkLedgerAppendSuccess(in PostRunInput) Result {
	if !in.LedgerWriteOK {
		return fail(HookLedgerAppendSuccess, "ledger append failed")
	}
	return pass(HookLedgerAppendSuccess)
}

func checkEvidenceCompleteness(in PostRunInput) Result {
	if in.EvidenceDir == "" {
		return Result{Name: HookEvidenceCompleteness, Passed: true, Reason: "no evidence_dir, skipped"}
	}
	info, err := os.Stat(in.EvidenceDir)
	if err != nil || !info.IsDir() {
		return fail(HookEvidenceCompleteness, "evidence_dir does not exist: %s", in.EvidenceDir)
	}
	missing, err := MissingEvidence(in.EvidenceDir, in.EvidenceTier)
	if err != nil {
		return fail(HookEvidenceCompleteness, "%v", err)
	}
	if len(missing) > 0 {
		return fail(HookEvidenceCompleteness, "missing required evidence files for tier %q: %v", tierOrDefault(in.EvidenceTier), missing)
	}
	return pass(HookEvidenceCompleteness)
}

// Evidence tiers.
const (
	TierLight    = "light"
	TierStandard = "standard"
	TierFull     = "full"
)

var tierFiles = map[string][]string{
	TierLight: {"meta.json", "exitcode.txt", "commands.jsonl", "evidence_manifest.json"},
}

func init() {
	tierFiles[TierStandard] = append(append([]string{}, tierFiles[TierLight]...),
		"stdout.txt", "stderr.txt", "git_head.txt", "git_status.txt")
	tierFiles[TierFull] = append(append([]string{}, tierFiles[TierStandard]...),
		"git_diff_name_only.txt")
}

// ErrUnknownTier is returned for a tier name with no file list.
var ErrUnknownTier = errors.New("unsupported evidence tier")

func tierOrDefault(tier string) string {
	if tier == "" {
		return TierLight
	}
	return tier
}

// RequiredEvidence returns the sorted file list a tier requires. An empty
// tier is light.
func RequiredEvidence(tier string) ([]string, error) {
	files, ok := tierFiles[tierOrDefault(tier)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	out := append([]string{}, files...)
	sort.Strings(out)
	return out, nil
}

// MissingEvidence lists required tier files absent from dir.
func MissingEvidence(dir, tier string) ([]string, error) {
	required, err := RequiredEvidence(tier)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, rel := range required {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			missing = append(missing, rel)
		}
	}
	return missing, nil
}
