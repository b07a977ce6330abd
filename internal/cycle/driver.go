// Package cycle drives the autonomous build loop: each attempt builds
// speculatively, optionally skips the review gate under plan bypass,
// validates, and appends one attempt record, until policy says stop.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	oteltrace "go.opentelemetry.io/otel/trace"

	"buildloop/internal/budget"
	"buildloop/internal/bypass"
	"buildloop/internal/canon"
	"buildloop/internal/ledger"
	"buildloop/internal/mission"
	"buildloop/internal/policy"
	"buildloop/internal/progress"
	"buildloop/internal/speculative"
	"buildloop/internal/taxonomy"
	"buildloop/internal/trace"
	"buildloop/internal/workspace"
)

// Action labels recorded in ActionsTaken.
const (
	ActionSpeculativeBuild = "speculative_build"
	ActionPlanBypass       = "plan_bypass"
	ActionGate             = "review_gate"
	ActionApplyPatch       = "apply_patch"
	ActionValidate         = "validate"
)

// Repo is the workspace the cycle builds in.
type Repo interface {
	speculative.Tree
	HeadCommit(ctx context.Context) (string, error)
	ApplyPatch(ctx context.Context, patch []byte) error
}

// Driver runs attempts against one ledger. The ledger must already be
// initialized or hydrated by the caller.
type Driver struct {
	RunID  string
	Ledger *ledger.Ledger
	Engine *policy.Engine
	Budget budget.Controller
	Worker *speculative.Worker
	Repo   Repo
	// Guard evaluates plan bypass. Nil never bypasses.
	Guard *bypass.Guard

	Build mission.Executor
	// Gate reviews a patch before it is applied. Nil applies directly.
	Gate     mission.Executor
	Validate mission.Executor
	Inputs   map[string]interface{}

	HashPolicy canon.HashPolicy
	PolicyHash string
	WorkDir    string

	Logger   zerolog.Logger
	Tracer   oteltrace.Tracer
	Progress progress.Emitter
	Now      func() time.Time
}

// Outcome is how a cycle ended.
type Outcome struct {
	Outcome  taxonomy.TerminalOutcome
	Reason   taxonomy.TerminalReason
	Detail   string
	Attempts int
	ChainTip string
}

// BudgetFor derives run limits from a policy.
func BudgetFor(cfg *policy.Config) budget.Controller {
	return budget.Controller{
		MaxAttempts:  cfg.Budgets.MaxAttempts,
		MaxWallClock: time.Duration(cfg.Budgets.MaxWallClockMinutes) * time.Minute,
		MaxDiffLines: cfg.Budgets.MaxDiffLinesPerAttempt,
	}
}

type history []ledger.Record

func (h history) Records() []ledger.Record { return h }

// Run loops until the policy terminates or a budget runs out. An error
// means the workspace or ledger could not be trusted and no outcome was
// decided.
func (d *Driver) Run(ctx context.Context) (Outcome, error) {
	if d.Ledger == nil || d.Engine == nil || d.Worker == nil || d.Repo == nil {
		return Outcome{}, errors.New("cycle: ledger, engine, worker and repo are required")
	}
	if d.Build == nil || d.Validate == nil {
		return Outcome{}, errors.New("cycle: build and validate executors are required")
	}
	started := d.now()
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		dec := d.Engine.Decide(d.Ledger, d.now())
		if dec.Action == taxonomy.ActionTerminate {
			return d.outcome(dec.Outcome(), dec.TerminalReason, dec.Reason), nil
		}
		if dec.Override != nil {
			d.Logger.Info().Str("reason", dec.Reason).Msg("waiver applied, continuing")
		}

		n := d.Ledger.NextAttemptID()
		if b := d.Budget.Check(n, started, d.now()); b.Exhausted {
			d.Logger.Warn().Int("attempt", n).Str("detail", b.Detail).Msg("budget exhausted")
			return d.outcome(taxonomy.OutcomeBlocked, b.Reason, b.Detail), nil
		}

		rec, stop, err := d.attempt(ctx, n)
		if err != nil {
			d.emit(n, progress.StatusError, err.Error())
			return Outcome{}, fmt.Errorf("attempt %d: %w", n, err)
		}
		if err := d.record(rec, stop); err != nil {
			return Outcome{}, err
		}
		if stop != nil {
			return d.outcome(stop.Outcome, stop.Reason, stop.Detail), nil
		}
	}
}

// attempt runs build, bypass or gate, apply and validate once. A non-nil
// stop ends the cycle after the record is written.
func (d *Driver) attempt(ctx context.Context, n int) (rec ledger.Record, stop *Outcome, err error) {
	ctx, span := trace.Start(ctx, d.Tracer, "cycle.attempt",
		trace.KeyRunID.String(d.RunID), trace.KeyAttempt.Int(n))
	defer func() { trace.End(span, err) }()
	log := d.Logger.With().Int("attempt", n).Logger()
	d.emit(n, progress.StatusRunning, "")

	baseline, err := d.Repo.HeadCommit(ctx)
	if err != nil {
		return rec, nil, fmt.Errorf("baseline: %w", err)
	}
	var prev *ledger.Record
	if last, ok := d.Ledger.Last(); ok {
		prev = &last
	}
	mctx := mission.Context{
		WorkDir:        d.WorkDir,
		BaselineCommit: baseline,
		RunID:          d.RunID,
		Metadata:       map[string]string{"attempt": fmt.Sprint(n)},
	}
	inputs := d.attemptInputs(n, prev)
	rec = ledger.Record{
		AttemptID:      n,
		ActionsTaken:   []string{ActionSpeculativeBuild},
		ChangedFiles:   []string{},
		EvidenceHashes: map[string]string{},
	}
	if rec.InputHash, err = d.HashPolicy.HashJSON(inputs); err != nil {
		return rec, nil, fmt.Errorf("hash inputs: %w", err)
	}

	built := make(chan *mission.Result, 1)
	spec, err := d.Worker.Run(ctx, baseline, func(pctx context.Context) error {
		res, err := d.Build.Run(pctx, mctx, inputs)
		if err != nil {
			return err
		}
		if res == nil {
			return errors.New("build returned no result")
		}
		built <- res
		if !res.Success {
			return fmt.Errorf("build failed: %s", res.Error)
		}
		return nil
	})
	// The producer may observe its own deadline before the worker does.
	timedOut := errors.Is(spec.ProduceErr, context.DeadlineExceeded) && ctx.Err() == nil
	if errors.Is(err, speculative.ErrTimeout) || (err == nil && timedOut) {
		if err == nil {
			err = spec.ProduceErr
		}
		log.Warn().Err(err).Msg("build timed out")
		return failed(rec, taxonomy.FailureTimeout, err.Error()), nil, nil
	}
	if err != nil {
		return rec, nil, err
	}
	change := spec.Change
	rec.DiffHash = change.Stats.DiffHash
	if change.Stats.Files != nil {
		rec.ChangedFiles = append([]string{}, change.Stats.Files...)
	}
	if spec.ProduceErr != nil {
		class := taxonomy.FailureToolInvocationError
		select {
		case res := <-built:
			class = res.Class()
		default:
		}
		log.Info().Err(spec.ProduceErr).Str("class", class.String()).Msg("build failed")
		return failed(rec, class, spec.ProduceErr.Error()), nil, nil
	}

	if b := d.Budget.CheckDiff(change.Stats.TotalLineDelta); b.Exhausted {
		log.Warn().Str("detail", b.Detail).Msg("diff budget exceeded")
		return rec, &Outcome{Outcome: taxonomy.OutcomeBlocked, Reason: b.Reason, Detail: b.Detail}, nil
	}

	bypassed := false
	if prev != nil && !prev.Success && d.Guard != nil && d.Engine.Config().Route(prev.Class()).PlanBypassEligible {
		req := policy.BypassRequest{
			Class:    prev.Class(),
			Mode:     ledger.ModePatchful,
			Registry: d.Engine.ProtectedRegistry(),
			History:  d.Ledger.Records(),
		}
		if change.Empty() {
			req.Mode = ledger.ModeNoChangeRerun
		} else {
			stats := change.Stats
			req.Patch = &stats
		}
		pb, err := d.Guard.EvaluateAndApply(ctx, req, d.RunID, n, func(ledger.PlanBypass) error {
			return d.apply(ctx, change)
		})
		rec.PlanBypass = &pb
		trace.SpanEvent(ctx, "plan_bypass",
			trace.KeyFailureClass.String(req.Class.String()),
			trace.KeyReason.String(pb.DecisionReason))
		if err != nil {
			return d.revert(ctx, baseline, failed(rec, taxonomy.FailureToolInvocationError, err.Error()))
		}
		bypassed = pb.Applied
		if bypassed {
			rec.ActionsTaken = append(rec.ActionsTaken, ActionPlanBypass)
			if !change.Empty() {
				rec.ActionsTaken = append(rec.ActionsTaken, ActionApplyPatch)
			}
		}
		log.Info().Bool("applied", pb.Applied).Str("reason", pb.DecisionReason).Msg("plan bypass evaluated")
	}

	if !bypassed {
		if d.Gate != nil {
			rec.ActionsTaken = append(rec.ActionsTaken, ActionGate)
			gres, err := d.Gate.Run(ctx, mctx, map[string]interface{}{
				"attempt":       n,
				"diff_hash":     change.Stats.DiffHash,
				"changed_files": rec.ChangedFiles,
				"line_delta":    change.Stats.TotalLineDelta,
			})
			if err != nil {
				return rec, nil, fmt.Errorf("review gate: %w", err)
			}
			if gres == nil || !gres.Success {
				class := taxonomy.FailureReviewRejection
				msg := "review gate rejected the change"
				if gres != nil {
					if fc := gres.Class(); fc != taxonomy.FailureUnknown {
						class = fc
					}
					if gres.Error != "" {
						msg = gres.Error
					}
				}
				return failed(rec, class, msg), nil, nil
			}
		}
		if !change.Empty() {
			if err := d.apply(ctx, change); err != nil {
				return d.revert(ctx, baseline, failed(rec, taxonomy.FailureToolInvocationError, err.Error()))
			}
			rec.ActionsTaken = append(rec.ActionsTaken, ActionApplyPatch)
		}
	}

	rec.ActionsTaken = append(rec.ActionsTaken, ActionValidate)
	vres, err := d.Validate.Run(ctx, mctx, map[string]interface{}{
		"attempt":       n,
		"diff_hash":     change.Stats.DiffHash,
		"changed_files": rec.ChangedFiles,
	})
	if err != nil {
		_, _, resetErr := d.revert(ctx, baseline, rec)
		return rec, nil, errors.Join(fmt.Errorf("validate: %w", err), resetErr)
	}
	if vres == nil || !vres.Success {
		msg := "validation failed"
		if vres != nil && vres.Error != "" {
			msg = vres.Error
		}
		return d.revert(ctx, baseline, failed(rec, vres.Class(), msg))
	}
	for k, v := range vres.Evidence {
		rec.EvidenceHashes[k] = v
	}
	rec.Success = true
	return rec, nil, nil
}

// record decides the next action over history plus rec, then appends it.
func (d *Driver) record(rec ledger.Record, stop *Outcome) error {
	now := d.now()
	rec.Timestamp = now.UTC().Format(time.RFC3339)
	rec.RunID = d.RunID
	rec.PolicyHash = d.PolicyHash

	detail := rec.Rationale
	if stop != nil {
		r := stop.Reason
		rec.TerminalReason = &r
		rec.NextAction = taxonomy.ActionTerminate
		rec.Rationale = stop.Detail
	} else {
		next := d.Engine.Decide(append(history(d.Ledger.Records()), rec), now)
		rec.NextAction = next.Action
		rec.Rationale = next.Reason
		if detail != "" {
			rec.Rationale += ": " + detail
		}
		if next.Action == taxonomy.ActionTerminate {
			r := next.TerminalReason
			rec.TerminalReason = &r
		}
	}

	out, err := d.Ledger.Append(rec)
	if err != nil {
		return fmt.Errorf("append attempt %d: %w", rec.AttemptID, err)
	}
	if err := ledger.WriteAnchor(ledger.AnchorPath(d.Ledger.Path()), d.Ledger.Anchor(now)); err != nil {
		return fmt.Errorf("write anchor: %w", err)
	}

	ev := d.Logger.Info().
		Int("attempt", out.AttemptID).
		Bool("success", out.Success).
		Str("next_action", out.NextAction.String()).
		Str("rationale", out.Rationale)
	if out.FailureClass != nil {
		ev = ev.Str("class", out.FailureClass.String())
	}
	ev.Msg("attempt recorded")

	status := progress.StatusDone
	if !out.Success {
		status = progress.StatusError
	}
	d.emit(out.AttemptID, status, out.Rationale)
	return nil
}

func (d *Driver) apply(ctx context.Context, c workspace.Change) error {
	if c.Empty() {
		return nil
	}
	return d.Repo.ApplyPatch(ctx, c.Patch)
}

// revert resets the tree after an applied change failed.
func (d *Driver) revert(ctx context.Context, baseline string, rec ledger.Record) (ledger.Record, *Outcome, error) {
	if err := d.Repo.HardReset(context.WithoutCancel(ctx), baseline); err != nil {
		return rec, nil, fmt.Errorf("revert to baseline: %w", err)
	}
	return rec, nil, nil
}

func (d *Driver) attemptInputs(n int, prev *ledger.Record) map[string]interface{} {
	in := make(map[string]interface{}, len(d.Inputs)+2)
	for k, v := range d.Inputs {
		in[k] = v
	}
	in["attempt"] = n
	if prev != nil && !prev.Success {
		in["previous_failure"] = map[string]interface{}{
			"failure_class": prev.Class().String(),
			"rationale":     prev.Rationale,
		}
	}
	return in
}

func (d *Driver) outcome(o taxonomy.TerminalOutcome, r taxonomy.TerminalReason, detail string) Outcome {
	d.Logger.Info().
		Str("outcome", o.String()).
		Str("reason", r.String()).
		Int("attempts", d.Ledger.Len()).
		Msg("cycle finished")
	return Outcome{
		Outcome:  o,
		Reason:   r,
		Detail:   detail,
		Attempts: d.Ledger.Len(),
		ChainTip: d.Ledger.ChainTip(),
	}
}

func (d *Driver) emit(n int, status progress.Status, msg string) {
	if d.Progress == nil {
		return
	}
	d.Progress.Emit(progress.Event{
		RunID:     d.RunID,
		Step:      "attempt",
		StepIndex: n,
		Message:   msg,
		Status:    status,
		Timestamp: d.now(),
	})
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func failed(rec ledger.Record, class taxonomy.FailureClass, msg string) ledger.Record {
	rec.Success = false
	rec.FailureClass = &class
	rec.Rationale = msg
	return rec
}
