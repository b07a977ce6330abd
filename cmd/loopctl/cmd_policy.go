package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPolicyCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with the loop policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Load the effective policy and print its hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			loaded, err := e.policyLoader().Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, loaded.Hash)
			field(out, "bytes hash", loaded.BytesHash)
			field(out, "text hash", loaded.TextHash)
			for _, f := range loaded.Files {
				field(out, "file", f)
			}
			return nil
		},
	})
	return cmd
}
