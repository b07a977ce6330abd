// Package budget checks attempt-count, wall-clock and diff-size limits.
// All checks are pure; callers pass the clock reading.
package budget

import (
	"fmt"
	"time"

	"buildloop/internal/taxonomy"
)

// Controller holds run limits. A zero limit is unlimited.
type Controller struct {
	MaxAttempts  int
	MaxWallClock time.Duration
	MaxDiffLines int
}

// Result is the outcome of a budget check.
type Result struct {
	Exhausted bool
	Reason    taxonomy.TerminalReason
	Detail    string
}

// Check reports whether starting attempt number attempt (1-based) at now
// would exceed the attempt or wall-clock budget of a run begun at started.
func (c Controller) Check(attempt int, started, now time.Time) Result {
	if c.MaxAttempts > 0 && attempt > c.MaxAttempts {
		return Result{
			Exhausted: true,
			Reason:    taxonomy.ReasonBudgetExhausted,
			Detail:    fmt.Sprintf("attempt %d exceeds max_attempts %d", attempt, c.MaxAttempts),
		}
	}
	if c.MaxWallClock > 0 {
		if elapsed := now.Sub(started); elapsed >= c.MaxWallClock {
			return Result{
				Exhausted: true,
				Reason:    taxonomy.ReasonBudgetExhausted,
				Detail:    fmt.Sprintf("elapsed %s reached max wall clock %s", elapsed.Round(time.Second), c.MaxWallClock),
			}
		}
	}
	return Result{}
}

// CheckDiff reports whether a proposed change of lines total delta exceeds
// the per-attempt diff budget.
func (c Controller) CheckDiff(lines int) Result {
	if c.MaxDiffLines > 0 && lines > c.MaxDiffLines {
		return Result{
			Exhausted: true,
			Reason:    taxonomy.ReasonDiffBudgetExceeded,
			Detail:    fmt.Sprintf("diff of %d lines exceeds max_diff_lines_per_attempt %d", lines, c.MaxDiffLines),
		}
	}
	return Result{}
}
