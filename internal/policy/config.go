package policy

import (
	"buildloop/internal/taxonomy"
)

// SchemaVersion is the only accepted policy document version.
const SchemaVersion = "1.0"

// Defaults applied when the optional knobs are absent.
const (
	DefaultNoProgressLookback  = 1
	DefaultOscillationWindow   = 3
	DefaultGlobalBypassLimit   = 5
	DefaultPerClassBypassLimit = 3
	DefaultHashAlgorithm       = "sha256"
)

// DefaultEscalationPrefixes are protected path prefixes; a changed file
// under any of them escalates once the retry budget is spent.
var DefaultEscalationPrefixes = []string{
	"docs/00_foundations/",
	"docs/01_governance/",
	"docs/02_protocols/",
}

// Config is the fully resolved, validated policy. Its canonical JSON form
// is what the policy hash covers.
type Config struct {
	SchemaVersion     string                            `json:"schema_version"`
	Metadata          Metadata                          `json:"policy_metadata"`
	Budgets           Budgets                           `json:"budgets"`
	FailureRouting    map[taxonomy.FailureClass]Routing `json:"failure_routing"`
	WaiverRules       WaiverRules                       `json:"waiver_rules"`
	ProgressDetection ProgressDetection                 `json:"progress_detection"`
	Determinism       Determinism                       `json:"determinism"`
	ProtectedPaths    []string                          `json:"protected_paths"`
}

// Metadata identifies a policy revision.
type Metadata struct {
	Version       string `json:"version"`
	EffectiveDate string `json:"effective_date"`
	Author        string `json:"author"`
	Description   string `json:"description"`
}

// Budgets holds run and retry limits.
type Budgets struct {
	MaxAttempts            int                           `json:"max_attempts"`
	MaxTokens              int                           `json:"max_tokens"`
	MaxWallClockMinutes    int                           `json:"max_wall_clock_minutes"`
	MaxDiffLinesPerAttempt int                           `json:"max_diff_lines_per_attempt"`
	RetryLimits            map[taxonomy.FailureClass]int `json:"retry_limits"`
	GlobalBypassLimit      int                           `json:"global_bypass_limit"`
	DefaultPerClassLimit   int                           `json:"default_per_class_limit"`
}

// ScopeLimit bounds a plan-bypass patch.
type ScopeLimit struct {
	MaxLines int `yaml:"max_lines" json:"max_lines"`
	MaxFiles int `yaml:"max_files" json:"max_files"`
}

// Routing is the per-class failure handling rule.
type Routing struct {
	DefaultAction      taxonomy.LoopAction       `json:"default_action"`
	TerminalOutcome    *taxonomy.TerminalOutcome `json:"terminal_outcome,omitempty"`
	TerminalReason     *taxonomy.TerminalReason  `json:"terminal_reason,omitempty"`
	PlanBypassEligible bool                      `json:"plan_bypass_eligible"`
	ScopeLimit         *ScopeLimit               `json:"scope_limit,omitempty"`
}

// WaiverRules controls which classes may be waived past their budget.
type WaiverRules struct {
	Eligible           []taxonomy.FailureClass `json:"eligible_failure_classes"`
	Ineligible         []taxonomy.FailureClass `json:"ineligible_failure_classes"`
	EscalationTriggers []string                `json:"escalation_triggers"`
	EscalationPrefixes []string                `json:"escalation_path_prefixes"`
}

// ProgressDetection configures deadlock and oscillation checks.
type ProgressDetection struct {
	NoProgressEnabled     bool `json:"no_progress_enabled"`
	OscillationEnabled    bool `json:"oscillation_enabled"`
	NoProgressLookback    int  `json:"no_progress_lookback"`
	OscillationWindowSize int  `json:"oscillation_window_size"`
}

// Determinism pins hashing and the policy-change terminal mapping.
type Determinism struct {
	HashAlgorithm      string                    `json:"hash_algorithm"`
	PolicyChangeAction *taxonomy.TerminalOutcome `json:"policy_change_action,omitempty"`
	PolicyChangeReason *taxonomy.TerminalReason  `json:"policy_change_reason,omitempty"`
}

// PolicyChangeTerminal is the terminal outcome and reason for a run whose
// policy changed between checkpoint and resume. Unset fields default to
// BLOCKED and policy_changed_mid_run.
func (c *Config) PolicyChangeTerminal() (taxonomy.TerminalOutcome, taxonomy.TerminalReason) {
	outcome, reason := taxonomy.OutcomeBlocked, taxonomy.ReasonPolicyChangedMidRun
	if c == nil {
		return outcome, reason
	}
	if c.Determinism.PolicyChangeAction != nil {
		outcome = *c.Determinism.PolicyChangeAction
	}
	if c.Determinism.PolicyChangeReason != nil {
		reason = *c.Determinism.PolicyChangeReason
	}
	return outcome, reason
}

// RetryLimit returns the configured retry budget for fc, zero when unset.
func (c *Config) RetryLimit(fc taxonomy.FailureClass) int {
	return c.Budgets.RetryLimits[fc]
}

// Route returns the routing for fc. A class without a rule terminates.
func (c *Config) Route(fc taxonomy.FailureClass) Routing {
	if r, ok := c.FailureRouting[fc]; ok {
		return r
	}
	return Routing{DefaultAction: taxonomy.ActionTerminate}
}

// EscalationPrefixes returns the configured prefixes or the defaults.
func (c *Config) EscalationPrefixes() []string {
	if len(c.WaiverRules.EscalationPrefixes) > 0 {
		return c.WaiverRules.EscalationPrefixes
	}
	return DefaultEscalationPrefixes
}

func outcomePtr(o taxonomy.TerminalOutcome) *taxonomy.TerminalOutcome { return &o }
func reasonPtr(r taxonomy.TerminalReason) *taxonomy.TerminalReason    { return &r }

// DefaultConfig returns a complete policy suitable for local runs and tests:
// cheap mechanical classes retry under plan bypass, correctness classes
// retry with a budget, and configuration or governance problems stop at once.
func DefaultConfig() *Config {
	retry := func(bypass bool) Routing {
		r := Routing{DefaultAction: taxonomy.ActionRetry, PlanBypassEligible: bypass}
		if bypass {
			r.ScopeLimit = &ScopeLimit{MaxLines: 50, MaxFiles: 3}
		}
		return r
	}
	stop := func(reason taxonomy.TerminalReason) Routing {
		return Routing{
			DefaultAction:   taxonomy.ActionTerminate,
			TerminalOutcome: outcomePtr(taxonomy.OutcomeBlocked),
			TerminalReason:  reasonPtr(reason),
		}
	}
	return &Config{
		SchemaVersion: SchemaVersion,
		Metadata: Metadata{
			Version:       "1.0",
			EffectiveDate: "2026-01-01",
			Author:        "loopctl",
			Description:   "default loop policy",
		},
		Budgets: Budgets{
			MaxAttempts:            5,
			MaxTokens:              100000,
			MaxWallClockMinutes:    30,
			MaxDiffLinesPerAttempt: 300,
			RetryLimits: map[taxonomy.FailureClass]int{
				taxonomy.FailureTestFailure:     3,
				taxonomy.FailureTimeout:         1,
				taxonomy.FailureReviewRejection: 2,
				taxonomy.FailureLintError:       3,
				taxonomy.FailureTestFlake:       2,
				taxonomy.FailureTypo:            3,
				taxonomy.FailureFormattingError: 3,
			},
			GlobalBypassLimit:    DefaultGlobalBypassLimit,
			DefaultPerClassLimit: DefaultPerClassBypassLimit,
		},
		FailureRouting: map[taxonomy.FailureClass]Routing{
			taxonomy.FailureUnknown:             stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureTestFailure:         retry(false),
			taxonomy.FailureSyntaxError:         stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureTimeout:             retry(false),
			taxonomy.FailureValidationError:     stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureReviewRejection:     retry(false),
			taxonomy.FailureDependencyError:     stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureEnvironmentError:    stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureToolInvocationError: stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureConfigError:         stop(taxonomy.ReasonCriticalFailure),
			taxonomy.FailureGovernanceViolation: stop(taxonomy.ReasonGovernanceEscalation),
			taxonomy.FailureLintError:           retry(true),
			taxonomy.FailureTestFlake:           retry(true),
			taxonomy.FailureTypo:                retry(true),
			taxonomy.FailureFormattingError:     retry(true),
		},
		WaiverRules: WaiverRules{
			Eligible:   []taxonomy.FailureClass{taxonomy.FailureTestFailure, taxonomy.FailureTestFlake},
			Ineligible: []taxonomy.FailureClass{taxonomy.FailureGovernanceViolation, taxonomy.FailureSyntaxError},
		},
		ProgressDetection: ProgressDetection{
			NoProgressEnabled:     true,
			OscillationEnabled:    true,
			NoProgressLookback:    DefaultNoProgressLookback,
			OscillationWindowSize: DefaultOscillationWindow,
		},
		Determinism: Determinism{HashAlgorithm: DefaultHashAlgorithm},
	}
}
