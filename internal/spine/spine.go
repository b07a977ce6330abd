// Package spine is the top-level controller. It sequences the pipeline
// steps, suspends at escalation checkpoints, resumes from them in any later
// process, and closes every run with exactly one terminal packet and one
// summarizing ledger record.
package spine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"buildloop/internal/artifact"
	"buildloop/internal/canon"
	"buildloop/internal/hooks"
	"buildloop/internal/jsonutil"
	"buildloop/internal/ledger"
	"buildloop/internal/mission"
	"buildloop/internal/policy"
	"buildloop/internal/progress"
	"buildloop/internal/taxonomy"
	"buildloop/internal/trace"
	"buildloop/internal/workspace"
)

// Workspace is the repository the chain runs in.
type Workspace interface {
	workspace.Checker
	HeadCommit(ctx context.Context) (string, error)
}

// PolicySource recomputes the effective policy on every call.
type PolicySource interface {
	Load() (*policy.Loaded, error)
}

// Config wires a Spine. Nil hooks and steps select the defaults.
type Config struct {
	Layout     artifact.Layout
	Workspace  Workspace
	Policy     PolicySource
	Missions   *mission.Registry
	HashPolicy canon.HashPolicy

	Steps   []Step
	PreRun  []hooks.Hook[hooks.PreRunInput]
	PostRun []hooks.Hook[hooks.PostRunInput]

	// EvidenceDir is checked by the evidence completeness hook. Empty skips
	// the check.
	EvidenceDir  string
	EvidenceTier string

	Logger   zerolog.Logger
	Tracer   oteltrace.Tracer
	Progress progress.Emitter
	Status   *artifact.StatusWriter

	// Test hooks. Nil means wall clock and random ids.
	Now      func() time.Time
	NewRunID func(time.Time) string
}

// Result is what Run and Resume report. A CHECKPOINT state means the run is
// suspended and Outcome is ESCALATION_REQUESTED.
type Result struct {
	State         taxonomy.SpineState
	Outcome       taxonomy.TerminalOutcome
	Reason        taxonomy.TerminalReason
	Detail        string
	RunID         string
	CheckpointID  string
	CommitHash    string
	TerminalPath  string
	StepsExecuted []string
	Resumed       bool
}

// Suspended reports whether the run stopped at a checkpoint.
func (r Result) Suspended() bool { return r.State == taxonomy.StateCheckpoint }

// ReasonText is the reason label, with any detail appended.
func (r Result) ReasonText() string { return reasonText(r.Reason, r.Detail) }

// Spine runs and resumes chains. It is not reentrant; one active run per
// workspace.
type Spine struct {
	cfg Config
}

// New fills defaults into cfg.
func New(cfg Config) *Spine {
	if cfg.Steps == nil {
		cfg.Steps = DefaultSteps()
	}
	if cfg.PreRun == nil {
		cfg.PreRun = hooks.DefaultPreRun()
	}
	if cfg.PostRun == nil {
		cfg.PostRun = hooks.DefaultPostRun()
	}
	if cfg.Missions == nil {
		cfg.Missions = mission.NewRegistry()
	}
	if cfg.HashPolicy == (canon.HashPolicy{}) {
		cfg.HashPolicy = canon.Default()
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = NewRunID
	}
	return &Spine{cfg: cfg}
}

// NewRunID returns run_<UTC yyyymmdd_HHMMSS>_<8 hex>.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102_150405"), suffix)
}

// Run starts a new chain for task. A dirty workspace or an unloadable
// policy fails before anything is written.
func (s *Spine) Run(ctx context.Context, task TaskSpec) (res Result, err error) {
	if task == nil {
		task = TaskSpec{}
	}
	if err := s.cfg.Workspace.VerifyClean(ctx); err != nil {
		return Result{}, err
	}
	loaded, err := s.cfg.Policy.Load()
	if err != nil {
		return Result{}, fmt.Errorf("load policy: %w", err)
	}

	started := s.cfg.Now()
	runID := s.cfg.NewRunID(started)
	ctx, span := trace.Start(ctx, s.cfg.Tracer, "spine.run",
		trace.KeyRunID.String(runID), trace.KeyPolicyHash.String(loaded.Hash))
	defer func() { endSpan(span, res, err) }()

	ss := s.newSession(runID, loaded.Hash, task, started)
	handoff, err := s.cfg.HashPolicy.HashJSON(task)
	if err != nil {
		return Result{}, fmt.Errorf("hash task spec: %w", err)
	}
	if err := ss.ledger.Initialize(ledger.Header{PolicyHash: loaded.Hash, HandoffHash: handoff, RunID: runID}); err != nil {
		return Result{}, fmt.Errorf("initialize ledger: %w", err)
	}
	if err := ss.writeAnchor(); err != nil {
		return Result{}, err
	}
	if err := ss.to(taxonomy.StateRunning); err != nil {
		return Result{}, err
	}
	ss.log.Info().Str("policy_hash", loaded.Hash).Msg("run started")

	pre := hooks.Run(hooks.PhasePreRun, s.cfg.PreRun, preRunInput(loaded, task))
	if !pre.AllPassed() {
		ss.log.Warn().Str("hooks", pre.FailedNames()).Msg("pre-run hooks failed")
		return ss.finish(ctx, terminal{
			outcome: taxonomy.OutcomeBlocked,
			reason:  taxonomy.ReasonPreflightChecklistFailed,
			detail:  pre.FailedNames(),
		}, true)
	}

	return ss.conclude(ctx, ss.runSteps(ctx, 0, map[string]interface{}{}))
}

// Resume continues the run suspended at checkpointID. The checkpoint file
// is read and left in place.
func (s *Spine) Resume(ctx context.Context, checkpointID string) (res Result, err error) {
	if err := s.cfg.Workspace.VerifyClean(ctx); err != nil {
		return Result{}, err
	}
	cp, err := LoadCheckpoint(s.cfg.Layout, checkpointID)
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(s.cfg.Layout.TerminalPath(cp.RunID)); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, cp.RunID)
	}
	loaded, err := s.cfg.Policy.Load()
	if err != nil {
		return Result{}, fmt.Errorf("load policy: %w", err)
	}

	ctx, span := trace.Start(ctx, s.cfg.Tracer, "spine.resume",
		trace.KeyRunID.String(cp.RunID), trace.KeyCheckpointID.String(checkpointID),
		trace.KeyPolicyHash.String(loaded.Hash))
	defer func() { endSpan(span, res, err) }()

	ss := s.newSession(cp.RunID, cp.PolicyHash, cp.TaskSpec, s.cfg.Now())
	ss.state = taxonomy.StateCheckpoint
	ss.resumedFrom = checkpointID
	ss.log = ss.log.With().Str("checkpoint_id", checkpointID).Logger()
	cpPath := s.cfg.Layout.CheckpointPath(checkpointID)

	if cp.PolicyHash != loaded.Hash {
		ss.log.Error().Str("checkpoint_hash", cp.PolicyHash).Str("current_hash", loaded.Hash).Msg("policy changed since checkpoint")
		outcome, reason := loaded.Config.PolicyChangeTerminal()
		res, ferr := ss.finish(ctx, terminal{outcome: outcome, reason: reason}, false)
		if ferr != nil {
			return res, ferr
		}
		return res, &PolicyChangedError{CheckpointID: checkpointID, CheckpointHash: cp.PolicyHash, CurrentHash: loaded.Hash}
	}

	decision, _ := cp.Resolution()
	if !cp.Resolved || decision == taxonomy.ResolutionNone {
		return Result{}, fmt.Errorf("%w: %s", ErrUnresolved, checkpointID)
	}

	if err := ss.hydrate(); err != nil {
		ss.log.Error().Err(err).Msg("ledger failed verification on resume")
		res, ferr := ss.finish(ctx, terminal{
			outcome: taxonomy.OutcomeBlocked,
			reason:  taxonomy.ReasonLedgerCorrupt,
			detail:  err.Error(),
		}, false)
		if ferr != nil {
			return res, ferr
		}
		return res, err
	}

	if decision == taxonomy.ResolutionRejected {
		ss.log.Info().Msg("checkpoint rejected")
		return ss.finish(ctx, terminal{
			outcome:        taxonomy.OutcomeBlocked,
			reason:         taxonomy.ReasonCheckpointRejected,
			checkpointPath: cpPath,
		}, true)
	}

	if err := ss.to(taxonomy.StateResumed); err != nil {
		return Result{}, err
	}
	pre := hooks.Run(hooks.PhasePreRun, s.cfg.PreRun, preRunInput(loaded, ss.task))
	if !pre.AllPassed() {
		ss.log.Warn().Str("hooks", pre.FailedNames()).Msg("pre-run hooks failed")
		return ss.finish(ctx, terminal{
			outcome:        taxonomy.OutcomeBlocked,
			reason:         taxonomy.ReasonPreflightChecklistFailed,
			detail:         pre.FailedNames(),
			checkpointPath: cpPath,
		}, true)
	}
	ss.log.Info().Int("step_index", cp.StepIndex).Msg("resuming")
	out := ss.runSteps(ctx, cp.StepIndex, ss.rehydrateChain(cp.StepIndex))
	out.checkpointPath = cpPath
	return ss.conclude(ctx, out)
}

func preRunInput(loaded *policy.Loaded, task TaskSpec) hooks.PreRunInput {
	m := map[string]interface{}(task)
	return hooks.PreRunInput{
		PolicyHash:   loaded.Hash,
		ScopePaths:   jsonutil.GetStringSlice(m, "scope_paths"),
		AllowedPaths: jsonutil.GetStringSlice(m, "allowed_paths"),
		DeniedPaths:  jsonutil.GetStringSlice(m, "denied_paths"),
		Registry:     policy.New(loaded.Config, nil).ProtectedRegistry(),
	}
}

func endSpan(span oteltrace.Span, res Result, err error) {
	span.SetAttributes(
		trace.KeyOutcome.String(res.Outcome.String()),
		trace.KeyReason.String(res.ReasonText()),
		attribute.String("loop.state", res.State.String()),
	)
	if res.CheckpointID != "" {
		span.SetAttributes(trace.KeyCheckpointID.String(res.CheckpointID))
	}
	trace.End(span, err)
}

func reasonText(r taxonomy.TerminalReason, detail string) string {
	if detail == "" {
		return r.String()
	}
	return r.String() + ": " + detail
}

// session is the state of one Run or Resume call.
type session struct {
	*Spine
	runID       string
	policyHash  string
	task        TaskSpec
	started     time.Time
	resumedFrom string
	state       taxonomy.SpineState
	ledger      *ledger.Ledger
	log         zerolog.Logger
}

func (s *Spine) newSession(runID, policyHash string, task TaskSpec, started time.Time) *session {
	if task == nil {
		task = TaskSpec{}
	}
	return &session{
		Spine:      s,
		runID:      runID,
		policyHash: policyHash,
		task:       task,
		started:    started,
		state:      taxonomy.StateInit,
		ledger:     ledger.New(s.cfg.Layout.LedgerPath(runID), s.cfg.HashPolicy),
		log:        s.cfg.Logger.With().Str("run_id", runID).Logger(),
	}
}

func (ss *session) to(next taxonomy.SpineState) error {
	if !taxonomy.CanTransition(ss.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ss.state, next)
	}
	ss.state = next
	return nil
}

type chainKind int

const (
	chainCompleted chainKind = iota
	chainFailed
	chainSuspended
)

// chainOutcome is the tagged result of running steps. Suspension is a
// value here, not an error.
type chainOutcome struct {
	kind       chainKind
	reason     taxonomy.TerminalReason
	detail     string
	steps      []string
	commit     string
	class      *taxonomy.FailureClass
	stepIndex  int
	stepName   string
	escalation string

	checkpointPath string
}

func (ss *session) runSteps(ctx context.Context, start int, chain map[string]interface{}) chainOutcome {
	baseline, err := ss.cfg.Workspace.HeadCommit(ctx)
	if err != nil {
		ss.log.Warn().Err(err).Msg("baseline commit unavailable")
		baseline = "unknown"
	}
	mctx := mission.Context{
		WorkDir:        ss.cfg.Layout.Root,
		BaselineCommit: baseline,
		RunID:          ss.runID,
		Metadata:       map[string]string{"spine_execution": "true"},
	}

	for i := 0; i < start && i < len(ss.cfg.Steps); i++ {
		ss.emit(i, ss.cfg.Steps[i].Name, progress.StatusSkipped, "completed before checkpoint")
	}

	steps := []string{}
	for i := start; i < len(ss.cfg.Steps); i++ {
		step := ss.cfg.Steps[i]
		if step.Bookkeeping {
			steps = append(steps, step.Name)
			ss.emit(i, step.Name, progress.StatusDone, "recorded")
			continue
		}

		res, err := ss.runMission(ctx, i, step, mctx, chain)
		if err != nil {
			return chainOutcome{
				kind:   chainFailed,
				reason: taxonomy.ReasonExecutionError,
				detail: err.Error(),
				steps:  append(steps, step.Name),
			}
		}
		for k, v := range res.Outputs {
			chain[k] = v
		}
		if res.Suspended() {
			reason := res.EscalationReason
			if reason == "" {
				reason = "escalation_required"
			}
			return chainOutcome{
				kind:       chainSuspended,
				steps:      steps,
				stepIndex:  i,
				stepName:   step.Name,
				escalation: reason,
			}
		}
		if !res.Success {
			fc := res.Class()
			return chainOutcome{
				kind:   chainFailed,
				reason: taxonomy.ReasonMissionFailed,
				detail: res.Error,
				steps:  append(steps, step.Name),
				class:  &fc,
			}
		}
		steps = append(steps, step.Name)
	}

	commit, err := ss.cfg.Workspace.HeadCommit(ctx)
	if err != nil {
		ss.log.Warn().Err(err).Msg("final commit unavailable")
		commit = ""
	}
	return chainOutcome{kind: chainCompleted, reason: taxonomy.ReasonPass, steps: steps, commit: commit}
}

func (ss *session) runMission(ctx context.Context, idx int, step Step, mctx mission.Context, chain map[string]interface{}) (res *mission.Result, err error) {
	ctx, span := trace.Start(ctx, ss.cfg.Tracer, "spine.step",
		trace.KeyRunID.String(ss.runID),
		trace.KeyStep.String(step.Name),
		trace.KeyStepIndex.Int(idx))
	defer func() { trace.End(span, err) }()

	log := ss.log.With().Str("step", step.Name).Int("step_index", idx).Logger()
	log.Info().Str("mission", step.Mission.String()).Msg("step started")
	ss.emit(idx, step.Name, progress.StatusRunning, "")
	ss.writeStatus(artifact.Status{Step: step.Name, StepIndex: idx})

	exec, err := ss.cfg.Missions.Lookup(step.Mission)
	if err != nil {
		ss.emit(idx, step.Name, progress.StatusError, err.Error())
		return nil, err
	}
	res, err = exec.Run(ctx, mctx, step.inputs(ss.task, chain))
	if err == nil && res == nil {
		err = fmt.Errorf("mission %s returned no result", step.Mission)
	}
	if err != nil {
		log.Error().Err(err).Msg("step faulted")
		ss.emit(idx, step.Name, progress.StatusError, err.Error())
		return nil, err
	}
	if err := ss.writeStepSummary(idx, step.Name, res); err != nil {
		ss.emit(idx, step.Name, progress.StatusError, err.Error())
		return nil, err
	}

	switch {
	case res.Suspended():
		log.Warn().Str("escalation_reason", res.EscalationReason).Msg("step requested escalation")
		ss.emit(idx, step.Name, progress.StatusSuspended, res.EscalationReason)
	case !res.Success:
		log.Warn().Str("error", res.Error).Msg("step failed")
		span.SetAttributes(trace.KeyFailureClass.String(res.Class().String()))
		ss.emit(idx, step.Name, progress.StatusError, res.Error)
	default:
		log.Info().Msg("step succeeded")
		ss.emit(idx, step.Name, progress.StatusDone, "")
	}
	return res, nil
}

func (ss *session) writeStepSummary(idx int, name string, res *mission.Result) error {
	outputs := res.Outputs
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	executed := res.ExecutedSteps
	if executed == nil {
		executed = []string{}
	}
	sum := stepSummary{
		RunID:            ss.runID,
		Step:             name,
		StepIndex:        idx,
		Success:          res.Success,
		Outputs:          outputs,
		ExecutedSteps:    executed,
		Error:            res.Error,
		EscalationReason: res.EscalationReason,
		Timestamp:        timestamp(ss.cfg.Now()),
	}
	if err := artifact.WriteJSON(ss.cfg.Layout.StepPath(ss.runID, name), sum); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}
	return nil
}

// rehydrateChain rebuilds the outputs of mission steps before start from
// their summaries. Missing summaries contribute nothing.
func (ss *session) rehydrateChain(start int) map[string]interface{} {
	chain := map[string]interface{}{}
	for i := 0; i < start && i < len(ss.cfg.Steps); i++ {
		step := ss.cfg.Steps[i]
		if step.Bookkeeping {
			continue
		}
		data, err := os.ReadFile(ss.cfg.Layout.StepPath(ss.runID, step.Name))
		if err != nil {
			ss.log.Debug().Err(err).Str("step", step.Name).Msg("no step summary")
			continue
		}
		var sum stepSummary
		if err := jsonutil.UnmarshalWithContext(data, &sum, "step summary "+step.Name); err != nil {
			ss.log.Warn().Err(err).Msg("skipping unreadable step summary")
			continue
		}
		for k, v := range sum.Outputs {
			chain[k] = v
		}
	}
	return chain
}

func (ss *session) conclude(ctx context.Context, out chainOutcome) (Result, error) {
	switch out.kind {
	case chainSuspended:
		return ss.checkpoint(ctx, out)
	case chainFailed:
		return ss.finish(ctx, terminal{
			outcome:        taxonomy.OutcomeBlocked,
			reason:         out.reason,
			detail:         out.detail,
			steps:          out.steps,
			class:          out.class,
			checkpointPath: out.checkpointPath,
		}, true)
	default:
		return ss.finish(ctx, terminal{
			outcome:        taxonomy.OutcomePass,
			reason:         taxonomy.ReasonPass,
			steps:          out.steps,
			commit:         out.commit,
			checkpointPath: out.checkpointPath,
		}, true)
	}
}

// checkpointID picks the id for a pause at step. A step can pause more
// than once across resumes; earlier packets are never overwritten.
func (ss *session) checkpointID(step int) string {
	base := artifact.CheckpointID(ss.runID, step)
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(ss.cfg.Layout.CheckpointPath(id)); errors.Is(err, os.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_r%d", base, n)
	}
}

func (ss *session) checkpoint(ctx context.Context, out chainOutcome) (Result, error) {
	id := ss.checkpointID(out.stepIndex)
	path := ss.cfg.Layout.CheckpointPath(id)
	cp := CheckpointPacket{
		CheckpointID:     id,
		EscalationReason: out.escalation,
		PolicyHash:       ss.policyHash,
		Resolved:         false,
		RunID:            ss.runID,
		StepIndex:        out.stepIndex,
		StepName:         out.stepName,
		TaskSpec:         ss.task,
		Timestamp:        timestamp(ss.cfg.Now()),
		Trigger:          TriggerEscalation,
	}
	if err := artifact.WriteYAML(path, cp); err != nil {
		return Result{}, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := ss.to(taxonomy.StateCheckpoint); err != nil {
		return Result{}, err
	}

	evidence, err := ss.evidence(path)
	if err != nil {
		return Result{}, err
	}
	reason := taxonomy.ReasonCheckpointTriggered
	if err := ss.appendRecord(ledger.Record{
		ActionsTaken:   out.steps,
		EvidenceHashes: evidence,
		Success:        false,
		TerminalReason: &reason,
		NextAction:     taxonomy.ActionEscalate,
		Rationale:      fmt.Sprintf("escalation requested at step %d (%s): %s", out.stepIndex, out.stepName, out.escalation),
	}); err != nil {
		return Result{}, err
	}

	ss.log.Warn().Str("checkpoint_id", id).Int("step_index", out.stepIndex).Msg("checkpoint triggered")
	ss.writeStatus(artifact.Status{StepIndex: out.stepIndex, CheckpointID: id})
	trace.SpanEvent(ctx, "checkpoint", trace.KeyCheckpointID.String(id))

	return Result{
		State:         taxonomy.StateCheckpoint,
		Outcome:       taxonomy.OutcomeEscalationRequested,
		Reason:        taxonomy.ReasonCheckpointTriggered,
		Detail:        out.escalation,
		RunID:         ss.runID,
		CheckpointID:  id,
		StepsExecuted: out.steps,
		Resumed:       ss.resumedFrom != "",
	}, nil
}

// terminal is a pending terminal packet.
type terminal struct {
	outcome        taxonomy.TerminalOutcome
	reason         taxonomy.TerminalReason
	detail         string
	steps          []string
	commit         string
	class          *taxonomy.FailureClass
	checkpointPath string
}

func (ss *session) packet(t terminal) TerminalPacket {
	steps := t.steps
	if steps == nil {
		steps = []string{}
	}
	return TerminalPacket{
		CommitHash:          t.commit,
		LedgerChainTip:      ss.ledger.ChainTip(),
		LedgerSchemaVersion: ss.ledgerSchema(),
		Outcome:             t.outcome.String(),
		Reason:              reasonText(t.reason, t.detail),
		ResumedFrom:         ss.resumedFrom,
		RunID:               ss.runID,
		StepsExecuted:       steps,
		Timestamp:           timestamp(ss.cfg.Now()),
	}
}

func (ss *session) ledgerSchema() string {
	if _, ok := ss.ledger.Header(); !ok {
		return ""
	}
	return ss.ledger.SchemaVersion()
}

// finish writes the terminal packet. With record set it also appends the
// summarizing ledger record and runs the post-run hooks, which may
// downgrade PASS to BLOCKED and re-emit the packet.
func (ss *session) finish(ctx context.Context, t terminal, record bool) (Result, error) {
	path := ss.cfg.Layout.TerminalPath(ss.runID)
	if err := artifact.WriteYAML(path, ss.packet(t)); err != nil {
		return Result{}, fmt.Errorf("write terminal packet: %w", err)
	}
	if err := ss.to(taxonomy.StateTerminal); err != nil {
		return Result{}, err
	}

	if record {
		ledgerOK := true
		if err := ss.appendSummary(t, path); err != nil {
			ss.log.Error().Err(err).Msg("summary record not appended")
			ledgerOK = false
		}
		post := hooks.Run(hooks.PhasePostRun, ss.cfg.PostRun, hooks.PostRunInput{
			TerminalPacketPath: path,
			LedgerWriteOK:      ledgerOK,
			EvidenceDir:        ss.cfg.EvidenceDir,
			EvidenceTier:       ss.cfg.EvidenceTier,
		})
		if !post.AllPassed() {
			ss.log.Warn().Str("hooks", post.FailedNames()).Str("outcome", t.outcome.String()).Msg("post-run hooks failed")
			if t.outcome == taxonomy.OutcomePass {
				t.outcome = taxonomy.OutcomeBlocked
				t.reason = taxonomy.ReasonPostflightChecklistFailed
				t.detail = post.FailedNames()
				if err := artifact.WriteYAML(path, ss.packet(t)); err != nil {
					return Result{}, fmt.Errorf("re-emit terminal packet: %w", err)
				}
			}
		}
	}

	ss.log.Info().
		Str("outcome", t.outcome.String()).
		Str("reason", reasonText(t.reason, t.detail)).
		Strs("steps", t.steps).
		Msg("run terminal")
	ss.writeStatus(artifact.Status{Outcome: t.outcome.String(), Reason: reasonText(t.reason, t.detail)})

	return Result{
		State:         taxonomy.StateTerminal,
		Outcome:       t.outcome,
		Reason:        t.reason,
		Detail:        t.detail,
		RunID:         ss.runID,
		CommitHash:    t.commit,
		TerminalPath:  path,
		StepsExecuted: t.steps,
		Resumed:       ss.resumedFrom != "",
	}, nil
}

func (ss *session) appendSummary(t terminal, tpPath string) error {
	evidence, err := ss.evidence(tpPath, t.checkpointPath)
	if err != nil {
		return err
	}
	reason := t.reason
	rec := ledger.Record{
		ActionsTaken:   t.steps,
		EvidenceHashes: evidence,
		Success:        t.outcome == taxonomy.OutcomePass,
		TerminalReason: &reason,
		NextAction:     taxonomy.ActionTerminate,
		Rationale:      reasonText(t.reason, t.detail),
	}
	if t.outcome != taxonomy.OutcomePass {
		rec.FailureClass = t.class
	}
	return ss.appendRecord(rec)
}

// appendRecord fills the run fields of rec, appends it and moves the anchor.
func (ss *session) appendRecord(rec ledger.Record) error {
	input, err := ss.cfg.HashPolicy.HashJSON(map[string]interface{}{"run_id": ss.runID, "task_spec": ss.task})
	if err != nil {
		return fmt.Errorf("hash input: %w", err)
	}
	rec.AttemptID = ss.ledger.NextAttemptID()
	rec.Timestamp = timestamp(ss.cfg.Now())
	rec.RunID = ss.runID
	rec.PolicyHash = ss.policyHash
	rec.InputHash = input
	if _, err := ss.ledger.Append(rec); err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	return ss.writeAnchor()
}

func (ss *session) evidence(paths ...string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		h, err := artifact.FileHash(ss.cfg.HashPolicy, p)
		if err != nil {
			return nil, fmt.Errorf("hash evidence %s: %w", p, err)
		}
		out[ss.cfg.Layout.Rel(p)] = h
	}
	return out, nil
}

func (ss *session) writeAnchor() error {
	if err := ledger.WriteAnchor(ledger.AnchorPath(ss.ledger.Path()), ss.ledger.Anchor(ss.cfg.Now())); err != nil {
		return fmt.Errorf("write ledger anchor: %w", err)
	}
	return nil
}

// hydrate loads the run's ledger and checks it against its anchor and the
// checkpoint's policy hash.
func (ss *session) hydrate() error {
	ok, err := ss.ledger.Hydrate()
	if err != nil {
		return err
	}
	if !ok {
		return &ledger.IntegrityError{Msg: "ledger missing for run " + ss.runID}
	}
	if h, _ := ss.ledger.Header(); h.PolicyHash != ss.policyHash {
		return &ledger.IntegrityError{Msg: fmt.Sprintf("ledger header policy_hash %s does not match checkpoint %s", h.PolicyHash, ss.policyHash)}
	}
	anchor, err := ledger.ReadAnchor(ledger.AnchorPath(ss.ledger.Path()))
	if errors.Is(err, os.ErrNotExist) {
		return &ledger.IntegrityError{Msg: "ledger anchor missing"}
	}
	if err != nil {
		return err
	}
	if ok, errs := ss.ledger.VerifyAgainst(anchor); !ok {
		return &ledger.IntegrityError{Msg: strings.Join(errs, "; ")}
	}
	return nil
}

func (ss *session) emit(idx int, step string, status progress.Status, msg string) {
	ss.cfg.Progress.Emit(progress.Event{
		RunID:     ss.runID,
		Step:      step,
		StepIndex: idx,
		Message:   msg,
		Status:    status,
		Timestamp: ss.cfg.Now(),
	})
}

func (ss *session) writeStatus(st artifact.Status) {
	if ss.cfg.Status == nil {
		return
	}
	st.State = ss.state.String()
	st.RunID = ss.runID
	st.Elapsed = int64(ss.cfg.Now().Sub(ss.started))
	if err := ss.cfg.Status.Write(st); err != nil {
		ss.log.Warn().Err(err).Msg("status write failed")
	}
}
