package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"buildloop/internal/spine"
	"buildloop/internal/taxonomy"
)

func newCheckpointCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and resolve checkpoint packets",
	}
	cmd.AddCommand(newCheckpointShowCmd(opts), newCheckpointResolveCmd(opts))
	return cmd
}

func newCheckpointShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Print a checkpoint packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			cp, err := spine.LoadCheckpoint(e.Layout, args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cp)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newCheckpointResolveCmd(opts *globalOpts) *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "resolve <checkpoint-id> --approve|--reject",
		Short: "Record the reviewer's decision on a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("pass exactly one of --approve or --reject")
			}
			decision := taxonomy.ResolutionApproved
			if reject {
				decision = taxonomy.ResolutionRejected
			}
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			cp, err := spine.ResolveCheckpoint(e.Layout, args[0], decision)
			if err != nil {
				return err
			}
			e.Logger.Info().Str("checkpoint_id", cp.CheckpointID).Str("decision", decision.String()).Msg("checkpoint resolved")
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cp.CheckpointID, decision)
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve and let resume continue")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject and let resume close the run as BLOCKED")
	return cmd
}
