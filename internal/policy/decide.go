// Package policy turns attempt history and configuration into the next loop
// action. Decide and EvaluatePlanBypass have no side effects; the only
// input beyond history and config is the caller-supplied clock reading used
// for waiver expiry.
package policy

import (
	"fmt"
	"time"

	"buildloop/internal/ledger"
	"buildloop/internal/taxonomy"
	"buildloop/internal/waiver"
)

// History is the read side of the attempt ledger.
type History interface {
	Records() []ledger.Record
}

// WaiverChecker reports whether a valid waiver exists for a context.
type WaiverChecker interface {
	Check(ctx waiver.Context, now time.Time) bool
}

// Decision is the next loop action.
type Decision struct {
	Action taxonomy.LoopAction
	Reason string
	// Override, when set, replaces the default terminal outcome.
	Override *taxonomy.TerminalOutcome
	// TerminalReason is meaningful when Action is ActionTerminate.
	TerminalReason taxonomy.TerminalReason
}

// Outcome is the terminal outcome implied by d.
func (d Decision) Outcome() taxonomy.TerminalOutcome {
	if d.Override != nil {
		return *d.Override
	}
	if d.Action == taxonomy.ActionTerminate && d.TerminalReason == taxonomy.ReasonPass {
		return taxonomy.OutcomePass
	}
	return taxonomy.OutcomeBlocked
}

// Engine evaluates a fixed configuration.
type Engine struct {
	cfg     *Config
	waivers WaiverChecker
}

// New returns an engine over cfg. A nil waivers checker treats every waiver
// as absent.
func New(cfg *Config, waivers WaiverChecker) *Engine {
	return &Engine{cfg: cfg, waivers: waivers}
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config { return e.cfg }

// NormalizeFailureClass maps any casing of a class label to the closed
// taxonomy; unrecognized values become FailureUnknown.
func NormalizeFailureClass(raw string) taxonomy.FailureClass {
	fc, err := taxonomy.ParseFailureClass(raw)
	if err != nil {
		return taxonomy.FailureUnknown
	}
	return fc
}

func terminate(reason string, tr taxonomy.TerminalReason, override *taxonomy.TerminalOutcome) Decision {
	return Decision{Action: taxonomy.ActionTerminate, Reason: reason, TerminalReason: tr, Override: override}
}

// Decide returns the next action for the recorded history.
func (e *Engine) Decide(h History, now time.Time) Decision {
	history := h.Records()
	if len(history) == 0 {
		return Decision{Action: taxonomy.ActionRetry, Reason: "start"}
	}
	last := history[len(history)-1]

	if last.Success {
		return terminate(taxonomy.ReasonPass.String(), taxonomy.ReasonPass, nil)
	}
	if e.deadlocked(history) {
		return terminate(taxonomy.ReasonNoProgress.String(), taxonomy.ReasonNoProgress, nil)
	}
	if e.oscillating(history) {
		return terminate(taxonomy.ReasonOscillationDetected.String(), taxonomy.ReasonOscillationDetected,
			outcomePtr(taxonomy.OutcomeEscalationRequested))
	}

	fc := last.Class()
	routing := e.cfg.Route(fc)
	limit := e.cfg.RetryLimit(fc)

	if routing.DefaultAction == taxonomy.ActionTerminate && limit == 0 {
		outcome, reason := routingTerminal(routing, taxonomy.ReasonCriticalFailure)
		return terminate("Immediate terminate: "+reason.String(), reason, &outcome)
	}

	count := consecutiveFailures(history, fc)
	if count < limit {
		return Decision{Action: taxonomy.ActionRetry, Reason: fmt.Sprintf("Retry %d/%d for %s", count, limit, fc)}
	}

	if e.escalationTriggered(history) {
		return terminate("Escalation triggered: protected path touched", taxonomy.ReasonGovernanceEscalation,
			outcomePtr(taxonomy.OutcomeEscalationRequested))
	}

	if e.waiverEligible(fc) {
		ctx := WaiverContext(fc, count, limit)
		if e.waivers != nil && e.waivers.Check(ctx, now) {
			return Decision{
				Action:   taxonomy.ActionRetry,
				Reason:   fmt.Sprintf("Waiver applied for %s - resuming", fc),
				Override: outcomePtr(taxonomy.OutcomeWaiverApplied),
			}
		}
		return terminate(fmt.Sprintf("Retry limit exhausted (%d/%d): waiver requested", count, limit),
			taxonomy.ReasonWaiverRequested, outcomePtr(taxonomy.OutcomeWaiverRequested))
	}

	outcome, reason := routingTerminal(routing, taxonomy.ReasonMaxRetriesExceeded)
	return terminate(fmt.Sprintf("%s (%d/%d)", reason, count, limit), reason, &outcome)
}

// WaiverContext is the binding context for a waiver on fc at count/limit.
func WaiverContext(fc taxonomy.FailureClass, count, limit int) waiver.Context {
	return waiver.Context{
		"failure_class": fc.String(),
		"retry_count":   count,
		"retry_limit":   limit,
	}
}

func routingTerminal(r Routing, fallback taxonomy.TerminalReason) (taxonomy.TerminalOutcome, taxonomy.TerminalReason) {
	outcome, reason := taxonomy.OutcomeBlocked, fallback
	if r.TerminalOutcome != nil {
		outcome = *r.TerminalOutcome
	}
	if r.TerminalReason != nil {
		reason = *r.TerminalReason
	}
	return outcome, reason
}

// consecutiveFailures counts trailing failures of class fc; a success or a
// different class ends the run of failures.
func consecutiveFailures(history []ledger.Record, fc taxonomy.FailureClass) int {
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if rec.Success || rec.Class() != fc {
			break
		}
		count++
	}
	return count
}

func (e *Engine) deadlocked(history []ledger.Record) bool {
	pd := e.cfg.ProgressDetection
	if !pd.NoProgressEnabled || len(history) < 2 {
		return false
	}
	lookback := pd.NoProgressLookback
	if lookback < 1 {
		lookback = DefaultNoProgressLookback
	}
	if len(history) < lookback+1 {
		return false
	}
	last, prev := history[len(history)-1], history[len(history)-1-lookback]
	return last.DiffHash != "" && last.DiffHash == prev.DiffHash
}

func (e *Engine) oscillating(history []ledger.Record) bool {
	pd := e.cfg.ProgressDetection
	if !pd.OscillationEnabled || len(history) < 3 {
		return false
	}
	window := pd.OscillationWindowSize
	if window < 2 {
		window = DefaultOscillationWindow
	}
	if len(history) < window {
		return false
	}
	last, earlier := history[len(history)-1], history[len(history)-window]
	return last.DiffHash != "" && last.DiffHash == earlier.DiffHash
}

func (e *Engine) escalationTriggered(history []ledger.Record) bool {
	prefixes := e.cfg.EscalationPrefixes()
	for _, rec := range history {
		for _, f := range rec.ChangedFiles {
			if HasAnyPrefix(f, prefixes) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) waiverEligible(fc taxonomy.FailureClass) bool {
	for _, c := range e.cfg.WaiverRules.Ineligible {
		if c == fc {
			return false
		}
	}
	for _, c := range e.cfg.WaiverRules.Eligible {
		if c == fc {
			return true
		}
	}
	return false
}
