package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"buildloop/internal/artifact"
	"buildloop/internal/spine"
)

func newRunCmd(opts *globalOpts) *cobra.Command {
	var taskFile, taskText string
	var scope []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new run of the mission chain",
		Long: `Start a new run. The task is read from a YAML or JSON file, or built from
--task and --scope. The workspace must be clean and the policy must load.

Exit codes: 0 PASS, 2 BLOCKED, 3 paused at a checkpoint, 7 dirty workspace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := readTask(taskFile, taskText, scope)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := loadEnv(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.spine(cmd.ErrOrStderr()).Run(ctx, task)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return outcomeExit(res.State, res.Outcome)
		},
	}
	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "task spec file (YAML or JSON)")
	cmd.Flags().StringVar(&taskText, "task", "", "task description")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "scope paths for the envelope check")
	return cmd
}

func readTask(file, text string, scope []string) (spine.TaskSpec, error) {
	task := spine.TaskSpec{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read task: %w", err)
		}
		if err := yaml.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("parse task %s: %w", file, err)
		}
		if task == nil {
			task = spine.TaskSpec{}
		}
	}
	if text = strings.TrimSpace(text); text != "" {
		task["task"] = text
	}
	if len(scope) > 0 {
		paths := make([]interface{}, 0, len(scope))
		for _, p := range scope {
			paths = append(paths, p)
		}
		task["scope_paths"] = paths
	}
	if len(task) == 0 {
		return nil, fmt.Errorf("no task: pass --file or --task")
	}
	return task, nil
}

func (e *env) spine(progressOut io.Writer) *spine.Spine {
	return spine.New(spine.Config{
		Layout:       e.Layout,
		Workspace:    e.repo(),
		Policy:       e.policyLoader(),
		Missions:     e.missions(),
		HashPolicy:   e.Hash,
		EvidenceDir:  e.Settings.EvidenceDir,
		EvidenceTier: e.Settings.EvidenceTier,
		Logger:       e.Logger,
		Tracer:       e.Trace.Tracer(),
		Progress:     stepPrinter(progressOut),
		Status:       artifact.NewStatusWriter(e.Layout.StatusPath()),
	})
}

func printResult(w io.Writer, res spine.Result) {
	label := res.Outcome.String()
	if res.Suspended() {
		label = "CHECKPOINT"
	}
	fmt.Fprintln(w, outcomeStyle(res.State, res.Outcome).Render(label))
	field(w, "run", res.RunID)
	field(w, "reason", res.ReasonText())
	field(w, "checkpoint", res.CheckpointID)
	field(w, "commit", res.CommitHash)
	field(w, "terminal", res.TerminalPath)
	if len(res.StepsExecuted) > 0 {
		field(w, "steps", strings.Join(res.StepsExecuted, ", "))
	}
	if res.Suspended() {
		fmt.Fprintf(w, "\nresolve with: loopctl checkpoint resolve %s --approve|--reject\n", res.CheckpointID)
	}
}
