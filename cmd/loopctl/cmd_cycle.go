package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"buildloop/internal/bypass"
	"buildloop/internal/cycle"
	"buildloop/internal/ledger"
	"buildloop/internal/mission"
	"buildloop/internal/policy"
	"buildloop/internal/speculative"
	"buildloop/internal/spine"
	"buildloop/internal/taxonomy"
	"buildloop/internal/waiver"
)

func newCycleCmd(opts *globalOpts) *cobra.Command {
	var taskFile, taskText, runID string
	var gate bool

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run the autonomous build cycle",
		Long: `Run build attempts until the loop policy terminates. Each attempt builds
speculatively, measures and reverts the change, re-applies it through the
review gate or a plan bypass, then validates.

Pass --run to continue an existing run's ledger.

Exit codes: 0 PASS, 2 BLOCKED, 4 waiver requested, 5 escalation requested,
7 dirty workspace, 8 ledger integrity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			repo := e.repo()
			if err := repo.VerifyClean(ctx); err != nil {
				return err
			}
			loaded, err := e.policyLoader().Load()
			if err != nil {
				return err
			}

			var inputs spine.TaskSpec
			if taskFile != "" || taskText != "" {
				if inputs, err = readTask(taskFile, taskText, nil); err != nil {
					return err
				}
			}
			if runID == "" {
				runID = spine.NewRunID(time.Now())
			}
			l, err := e.cycleLedger(runID, loaded, inputs)
			if err != nil {
				return err
			}

			waivers := waiver.NewStore(e.Layout.WaiversDir(), e.Hash)
			engine := policy.New(loaded.Config, waivers)
			d := &cycle.Driver{
				RunID:  runID,
				Ledger: l,
				Engine: engine,
				Budget: cycle.BudgetFor(loaded.Config),
				Worker: &speculative.Worker{
					Tree:    repo,
					Policy:  e.Hash,
					Timeout: e.Settings.SpeculativeTimeout,
					Logger:  e.Logger,
				},
				Repo: repo,
				Guard: bypass.NewGuard(engine, bypass.NewStore(e.Layout.BypassBudgetPath()),
					e.Layout.BypassLockPath(), e.Settings.LockTimeout, e.Logger),
				Build:      e.executor(mission.TypeBuild),
				Validate:   e.executor(mission.TypeBuildWithValidation),
				Inputs:     inputs,
				HashPolicy: e.Hash,
				PolicyHash: loaded.Hash,
				WorkDir:    e.Settings.WorkspaceRoot,
				Logger:     e.Logger.With().Str("run_id", runID).Logger(),
				Tracer:     e.Trace.Tracer(),
				Progress:   stepPrinter(cmd.ErrOrStderr()),
			}
			if gate {
				d.Gate = e.executor(mission.TypeReview)
			}

			out, err := d.Run(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, outcomeStyle(taxonomy.StateTerminal, out.Outcome).Render(out.Outcome.String()))
			field(w, "run", runID)
			field(w, "reason", out.Reason.String())
			field(w, "detail", out.Detail)
			field(w, "attempts", fmt.Sprint(out.Attempts))
			field(w, "ledger", e.Layout.Rel(l.Path()))
			field(w, "chain tip", out.ChainTip)
			return outcomeExit(taxonomy.StateTerminal, out.Outcome)
		},
	}
	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "inputs passed to every build attempt (YAML or JSON)")
	cmd.Flags().StringVar(&taskText, "task", "", "task description passed to the build")
	cmd.Flags().StringVar(&runID, "run", "", "continue this run's ledger")
	cmd.Flags().BoolVar(&gate, "gate", false, "review each patch before applying it")
	return cmd
}

// cycleLedger opens the run's ledger, verifying an existing one against its
// anchor and initializing a missing one.
func (e *env) cycleLedger(runID string, loaded *policy.Loaded, inputs spine.TaskSpec) (*ledger.Ledger, error) {
	path := e.Layout.LedgerPath(runID)
	l := ledger.New(path, e.Hash)
	found, err := l.Hydrate()
	if err != nil {
		return nil, err
	}
	if found {
		a, err := ledger.ReadAnchor(ledger.AnchorPath(path))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if ok, errs := l.VerifyAgainst(a); !ok {
				return nil, &ledger.IntegrityError{Msg: fmt.Sprintf("anchor mismatch: %v", errs)}
			}
		} else if ok, errs := l.VerifyChain(); !ok {
			return nil, &ledger.IntegrityError{Msg: fmt.Sprintf("chain: %v", errs)}
		}
		if h, _ := l.Header(); h.PolicyHash != loaded.Hash {
			return nil, &spine.PolicyChangedError{CheckpointID: runID, CheckpointHash: h.PolicyHash, CurrentHash: loaded.Hash}
		}
		e.Logger.Info().Str("run_id", runID).Int("records", l.Len()).Msg("continuing ledger")
		return l, nil
	}

	handoff, err := e.Hash.HashJSON(inputs)
	if err != nil {
		return nil, err
	}
	if err := l.Initialize(ledger.Header{PolicyHash: loaded.Hash, HandoffHash: handoff, RunID: runID}); err != nil {
		return nil, err
	}
	if err := ledger.WriteAnchor(ledger.AnchorPath(path), l.Anchor(time.Now())); err != nil {
		return nil, err
	}
	return l, nil
}
