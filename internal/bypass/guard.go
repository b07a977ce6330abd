package bypass

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"buildloop/internal/ledger"
	"buildloop/internal/lock"
	"buildloop/internal/policy"
)

// Denial reasons produced by the guard itself.
const (
	ReasonLockUnavailable  = "Bypass budget lock unavailable"
	ReasonStoreUnavailable = "Bypass budget store unavailable"
)

// Guard runs evaluate and apply as one critical section.
type Guard struct {
	Engine   *policy.Engine
	Store    *Store
	LockPath string
	Timeout  time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
	NewID    func() string
}

// NewGuard returns a guard with a wall clock and random entry ids.
func NewGuard(engine *policy.Engine, store *Store, lockPath string, timeout time.Duration, logger zerolog.Logger) *Guard {
	return &Guard{
		Engine:   engine,
		Store:    store,
		LockPath: lockPath,
		Timeout:  timeout,
		Logger:   logger,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// ApplyFunc re-stages an eligible patch.
type ApplyFunc func(ledger.PlanBypass) error

// EvaluateAndApply evaluates req with cross-run usage and, when eligible,
// calls apply and records the consumption, all while holding the lock.
// Failing to take the lock or read the store is a denial. A non-nil error
// means apply or the budget write failed after the decision was made.
func (g *Guard) EvaluateAndApply(ctx context.Context, req policy.BypassRequest, runID string, attemptID int, apply ApplyFunc) (ledger.PlanBypass, error) {
	l, err := lock.Acquire(ctx, g.LockPath, g.Timeout)
	if err != nil {
		g.Logger.Warn().Err(err).Str("lock", g.LockPath).Msg("bypass lock not acquired, denying")
		return g.denied(req, ReasonLockUnavailable), nil
	}
	defer l.Release()

	entries, err := g.Store.Load()
	if err != nil {
		g.Logger.Warn().Err(err).Msg("bypass budget unreadable, denying")
		return g.denied(req, ReasonStoreUnavailable), nil
	}
	req.Usage = Usage(entries, runID)

	d := g.Engine.EvaluatePlanBypass(req)
	g.Logger.Debug().
		Str("class", req.Class.String()).
		Bool("eligible", d.Eligible).
		Str("reason", d.DecisionReason).
		Int("per_class_remaining", d.Budget.PerClassRemaining).
		Int("global_remaining", d.Budget.GlobalRemaining).
		Msg("plan bypass evaluated")
	if !d.Eligible || apply == nil {
		return d, nil
	}

	if err := apply(d); err != nil {
		return d, fmt.Errorf("apply bypass: %w", err)
	}
	d.Applied = true

	entry := Entry{
		ID:           g.NewID(),
		RunID:        runID,
		AttemptID:    attemptID,
		FailureClass: req.Class,
		RuleID:       d.RuleID,
		AppliedAt:    g.Now().UTC().Format(time.RFC3339),
	}
	if err := g.Store.Append(entry); err != nil {
		return d, fmt.Errorf("record bypass: %w", err)
	}
	return d, nil
}

// denied returns a fail-closed decision that still carries the ledger-only
// budget snapshot.
func (g *Guard) denied(req policy.BypassRequest, reason string) ledger.PlanBypass {
	d := g.Engine.EvaluatePlanBypass(req)
	d.Eligible = false
	d.Applied = false
	d.DecisionReason = reason
	return d
}
