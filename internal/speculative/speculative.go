// Package speculative runs a change-producing step against the workspace,
// measures what it changed, and always reverts the tree to its baseline.
package speculative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"buildloop/internal/canon"
	"buildloop/internal/workspace"
)

var (
	// ErrTimeout is returned when the producer does not finish in time.
	ErrTimeout = errors.New("speculative build timed out")
	// ErrProducerRunning is joined to a timeout or cancellation when the
	// producer was still running after the grace period. The tree was
	// reset, but the producer may write to it again.
	ErrProducerRunning = errors.New("producer still running after grace period")
)

// DefaultGrace is how long a cancelled producer gets to exit before the
// tree is reset without it.
const DefaultGrace = 5 * time.Second

// Tree is the part of the workspace the worker drives.
type Tree interface {
	DiffStat(ctx context.Context, p canon.HashPolicy) (workspace.Change, error)
	HardReset(ctx context.Context, commit string) error
}

// ProduceFunc makes a change in the working tree.
type ProduceFunc func(ctx context.Context) error

// Result is what a speculative attempt produced before it was reverted.
type Result struct {
	Change workspace.Change
	// ProduceErr is the producer's own failure. The change is still
	// measured so the caller can inspect a partial result.
	ProduceErr error
	Duration   time.Duration
}

// Worker executes produce, measure, revert.
type Worker struct {
	Tree    Tree
	Policy  canon.HashPolicy
	Timeout time.Duration
	// Grace bounds the wait for a cancelled producer to return. Zero means
	// DefaultGrace.
	Grace  time.Duration
	Logger zerolog.Logger
}

// Run executes produce with the worker timeout, measures the resulting
// change and resets to baseline. The reset happens on success, failure and
// timeout alike; a failed reset is reported even when produce succeeded.
// After a timeout or cancellation the reset waits for produce to return,
// up to the grace period, so late writes are discarded too.
func (w *Worker) Run(ctx context.Context, baseline string, produce ProduceFunc) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		// The reset runs on a fresh context so an expired parent still
		// leaves the tree clean.
		resetErr := w.Tree.HardReset(context.WithoutCancel(ctx), baseline)
		if resetErr != nil {
			w.Logger.Error().Err(resetErr).Str("baseline", baseline).Msg("speculative revert failed")
			err = errors.Join(err, fmt.Errorf("revert to baseline: %w", resetErr))
		}
	}()

	pctx := ctx
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- produce(pctx) }()

	select {
	case res.ProduceErr = <-done:
		// A producer that honors its context may return before the
		// deadline branch is chosen.
		if ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return res, w.timeout()
		}
	case <-pctx.Done():
		cause := pctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() == nil {
			cause = w.timeout()
		}
		if !w.awaitExit(done) {
			w.Logger.Error().Dur("grace", w.grace()).Msg("producer did not exit, resetting without it")
			return res, errors.Join(cause, ErrProducerRunning)
		}
		return res, cause
	}

	res.Change, err = w.Tree.DiffStat(ctx, w.Policy)
	if err != nil {
		return res, fmt.Errorf("measure change: %w", err)
	}
	w.Logger.Debug().
		Int("files", res.Change.Stats.FilesTouched).
		Int("lines", res.Change.Stats.TotalLineDelta).
		Bool("suspicious", res.Change.Stats.HasSuspiciousModes).
		Msg("speculative change measured")
	return res, nil
}

func (w *Worker) timeout() error {
	w.Logger.Warn().Dur("timeout", w.Timeout).Msg("speculative build timed out")
	return fmt.Errorf("after %s: %w", w.Timeout, ErrTimeout)
}

func (w *Worker) grace() time.Duration {
	if w.Grace > 0 {
		return w.Grace
	}
	return DefaultGrace
}

// awaitExit waits for the cancelled producer to return.
func (w *Worker) awaitExit(done <-chan error) bool {
	t := time.NewTimer(w.grace())
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
