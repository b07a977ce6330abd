package policy

import (
	"fmt"

	"buildloop/internal/ledger"
	"buildloop/internal/taxonomy"
)

// Plan-bypass decision reasons.
const (
	ReasonBypassEligible          = "Eligible"
	ReasonBypassClassIneligible   = "Failure class not plan_bypass_eligible"
	ReasonBypassPatchMissing      = "Proposed Patch missing (mode=patchful)"
	ReasonBypassPatchPresent      = "Proposed Patch present (mode=no_change_rerun)"
	ReasonBypassSuspiciousModes   = "Suspicious file modes (symlink/rename)"
	ReasonBypassNoRegistry        = "Protected path registry unavailable"
	ReasonBypassProtectedHit      = "Protected path hit"
	ReasonBypassMaxLines          = "Scope exceeds max_lines"
	ReasonBypassMaxFiles          = "Scope exceeds max_files"
	ReasonBypassPerClassExhausted = "Per-class bypass budget exhausted"
	ReasonBypassGlobalExhausted   = "Global bypass budget exhausted"
)

// Usage is bypass consumption recorded outside the current ledger, e.g. by
// earlier runs.
type Usage struct {
	PerClass map[taxonomy.FailureClass]int
	Global   int
}

// BypassRequest is the input to EvaluatePlanBypass.
type BypassRequest struct {
	Class taxonomy.FailureClass
	Mode  ledger.BypassMode
	// Patch is nil when no proposed patch exists.
	Patch *ledger.PatchStats
	// Registry holds protected path patterns. Nil means the registry failed
	// to load and always denies; an empty slice protects nothing.
	Registry []string
	History  []ledger.Record
	Usage    Usage
}

// RuleID names the routing rule consulted for fc.
func RuleID(fc taxonomy.FailureClass) string {
	return "loop." + fc.String()
}

// ProtectedRegistry returns the governance patterns plus any configured
// protected paths.
func (e *Engine) ProtectedRegistry() []string {
	out := make([]string, 0, len(GovernancePatterns)+len(e.cfg.ProtectedPaths))
	out = append(out, GovernancePatterns...)
	return append(out, e.cfg.ProtectedPaths...)
}

// BypassBudget returns remaining per-class and global bypasses for fc,
// counting applied bypasses in history plus usage. A bypass is charged to
// the class it was granted for (its rule id), not to the class the
// bypassed attempt went on to fail with. Remaining never goes below zero.
func (e *Engine) BypassBudget(fc taxonomy.FailureClass, history []ledger.Record, usage Usage) ledger.BypassBudget {
	perClassLimit, ok := e.cfg.Budgets.RetryLimits[fc]
	if !ok {
		perClassLimit = e.cfg.Budgets.DefaultPerClassLimit
	}
	rule := RuleID(fc)
	classUsed, globalUsed := usage.PerClass[fc], usage.Global
	for _, rec := range history {
		if rec.PlanBypass == nil || !rec.PlanBypass.Applied {
			continue
		}
		globalUsed++
		if rec.PlanBypass.RuleID == rule {
			classUsed++
		}
	}
	return ledger.BypassBudget{
		PerClassRemaining: max(0, perClassLimit-classUsed),
		GlobalRemaining:   max(0, e.cfg.Budgets.GlobalBypassLimit-globalUsed),
	}
}

// EvaluatePlanBypass decides whether a low-risk retry may skip plan
// approval. The decision starts denied and each gate must pass in order;
// the first failing gate names the reason. Applying an eligible decision is
// the caller's job.
func (e *Engine) EvaluatePlanBypass(req BypassRequest) ledger.PlanBypass {
	routing := e.cfg.Route(req.Class)
	mode := req.Mode
	if mode == "" {
		mode = ledger.ModePatchful
	}
	d := ledger.PlanBypass{
		Evaluated:         true,
		RuleID:            RuleID(req.Class),
		Mode:              mode,
		ProtectedPathsHit: []string{},
		Budget:            e.BypassBudget(req.Class, req.History, req.Usage),
		ProposedPatch:     ledger.ProposedPatch{Present: req.Patch != nil, Stats: req.Patch},
		Scope:             ledger.BypassScope{Files: []string{}},
	}
	if req.Patch != nil {
		d.Scope = ledger.BypassScope{
			FilesTouched:   req.Patch.FilesTouched,
			TotalLineDelta: req.Patch.TotalLineDelta,
			Files:          append([]string{}, req.Patch.Files...),
		}
	}
	deny := func(reason string) ledger.PlanBypass {
		d.DecisionReason = reason
		return d
	}

	if !routing.PlanBypassEligible {
		return deny(ReasonBypassClassIneligible)
	}
	switch mode {
	case ledger.ModePatchful:
		if req.Patch == nil {
			return deny(ReasonBypassPatchMissing)
		}
	case ledger.ModeNoChangeRerun:
		if req.Patch != nil {
			return deny(ReasonBypassPatchPresent)
		}
	default:
		return deny(fmt.Sprintf("Unknown mode: %s", mode))
	}
	if req.Patch != nil && req.Patch.HasSuspiciousModes {
		return deny(ReasonBypassSuspiciousModes)
	}
	if req.Registry == nil {
		return deny(ReasonBypassNoRegistry)
	}
	for _, f := range d.Scope.Files {
		if IsAbsolute(f) {
			return deny("Absolute path rejected: " + f)
		}
		if HasTraversal(f) {
			return deny("Path traversal rejected: " + f)
		}
	}
	for _, f := range d.Scope.Files {
		if _, hit := MatchAny(req.Registry, f); hit {
			d.ProtectedPathsHit = append(d.ProtectedPathsHit, f)
		}
	}
	if len(d.ProtectedPathsHit) > 0 {
		return deny(ReasonBypassProtectedHit)
	}

	limit := ScopeLimit{}
	if routing.ScopeLimit != nil {
		limit = *routing.ScopeLimit
	}
	if d.Scope.TotalLineDelta > limit.MaxLines {
		return deny(ReasonBypassMaxLines)
	}
	if d.Scope.FilesTouched > limit.MaxFiles || len(d.Scope.Files) > limit.MaxFiles {
		return deny(ReasonBypassMaxFiles)
	}

	if d.Budget.PerClassRemaining <= 0 {
		return deny(ReasonBypassPerClassExhausted)
	}
	if d.Budget.GlobalRemaining <= 0 {
		return deny(ReasonBypassGlobalExhausted)
	}

	d.Eligible = true
	d.DecisionReason = ReasonBypassEligible
	return d
}

// IsPlanBypassEligible is the coarse pre-check used before a patch exists:
// class flag, governance paths and scope limits only.
func (e *Engine) IsPlanBypassEligible(fc taxonomy.FailureClass, diffLines int, files []string) (bool, string) {
	routing := e.cfg.Route(fc)
	if !routing.PlanBypassEligible {
		return false, fmt.Sprintf("Failure class %s not plan_bypass_eligible", fc)
	}
	for _, f := range files {
		if IsGovernancePath(f) {
			return false, "Touches governance path: " + f
		}
	}
	limit := ScopeLimit{}
	if routing.ScopeLimit != nil {
		limit = *routing.ScopeLimit
	}
	if diffLines > limit.MaxLines {
		return false, fmt.Sprintf("Scope exceeds max_lines (%d > %d)", diffLines, limit.MaxLines)
	}
	if len(files) > limit.MaxFiles {
		return false, fmt.Sprintf("Scope exceeds max_files (%d > %d)", len(files), limit.MaxFiles)
	}
	return true, "Eligible for plan bypass"
}
