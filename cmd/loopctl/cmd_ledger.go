package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"buildloop/internal/ledger"
	"buildloop/internal/ledgerview"
)

func newLedgerCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Verify and inspect attempt ledgers",
		Long: `Ledger commands take a ledger file path or a run id; a run id resolves to
artifacts/loop_state/<run_id>/attempt_ledger.jsonl.`,
	}
	cmd.AddCommand(newLedgerVerifyCmd(opts), newLedgerShowCmd(opts), newLedgerInspectCmd(opts))
	return cmd
}

// openLedger hydrates the ledger named by arg and reads its anchor when
// one exists.
func openLedger(e *env, arg string) (*ledger.Ledger, *ledger.Anchor, error) {
	path := arg
	if _, err := os.Stat(path); err != nil {
		path = e.Layout.LedgerPath(arg)
	}
	l := ledger.New(path, e.Hash)
	found, err := l.Hydrate()
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("no ledger at %s", path)
	}
	a, err := ledger.ReadAnchor(ledger.AnchorPath(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		e.Logger.Warn().Str("ledger", path).Msg("no anchor, tail truncation cannot be detected")
		return l, nil, nil
	case err != nil:
		return nil, nil, err
	}
	return l, &a, nil
}

func newLedgerVerifyCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path|run-id>",
		Short: "Check sequence, hash chain and anchor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			l, anchor, err := openLedger(e, args[0])
			if err != nil {
				return err
			}
			if err := l.IntegrityCheck(); err != nil {
				return err
			}
			if anchor != nil {
				if ok, errs := l.VerifyAgainst(*anchor); !ok {
					return &ledger.IntegrityError{Msg: fmt.Sprintf("anchor mismatch: %v", errs)}
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, passStyle.Render("OK"))
			field(out, "ledger", l.Path())
			field(out, "schema", l.SchemaVersion())
			field(out, "records", fmt.Sprint(l.Len()))
			field(out, "chain tip", l.ChainTip())
			if anchor != nil {
				field(out, "anchor", "matches")
			}
			return nil
		},
	}
}

func newLedgerShowCmd(opts *globalOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <path|run-id>",
		Short: "Print ledger records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			l, _, err := openLedger(e, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, rec := range l.Records() {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOK\tCLASS\tNEXT\tRATIONALE")
			for _, rec := range l.Records() {
				class := "-"
				if !rec.Success {
					class = rec.Class().String()
				}
				fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\n", rec.AttemptID, rec.Success, class, rec.NextAction, rec.Rationale)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "one JSON record per line")
	return cmd
}

func newLedgerInspectCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path|run-id>",
		Short: "Browse ledger records interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			l, anchor, err := openLedger(e, args[0])
			if err != nil {
				return err
			}
			return ledgerview.Run(l, anchor)
		},
	}
}
