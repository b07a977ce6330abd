package main

import (
	"github.com/spf13/cobra"
)

func newResumeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <checkpoint-id>",
		Short: "Resume a run from a resolved checkpoint",
		Long: `Resume a paused run. The checkpoint must be resolved, the workspace clean,
the policy hash unchanged and the ledger intact.

Exit codes: 0 PASS, 2 BLOCKED, 3 unresolved or paused again, 6 policy
changed, 7 dirty workspace, 8 ledger integrity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.spine(cmd.ErrOrStderr()).Resume(ctx, args[0])
			if err != nil {
				if res.TerminalPath != "" {
					printResult(cmd.OutOrStdout(), res)
				}
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return outcomeExit(res.State, res.Outcome)
		},
	}
}
