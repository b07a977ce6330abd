package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"buildloop/internal/policy"
	"buildloop/internal/taxonomy"
	"buildloop/internal/waiver"
)

type waiverTarget struct {
	class string
	count int
	limit int
}

func (w *waiverTarget) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.class, "class", "", "failure class the waiver covers")
	cmd.Flags().IntVar(&w.count, "retry-count", 0, "retry count at the time of the request")
	cmd.Flags().IntVar(&w.limit, "retry-limit", 0, "retry limit at the time of the request")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("retry-limit")
}

func (w *waiverTarget) context() (waiver.Context, error) {
	fc, err := taxonomy.ParseFailureClass(w.class)
	if err != nil {
		return nil, err
	}
	if w.count < 0 || w.limit < 0 {
		return nil, fmt.Errorf("retry counts must be non-negative")
	}
	count := w.count
	if count == 0 {
		count = w.limit
	}
	return policy.WaiverContext(fc, count, w.limit), nil
}

func newWaiverCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waiver",
		Short: "Grant and check retry-limit waivers",
		Long: `A waiver lets a run continue past an exhausted retry limit for one failure
class. It is bound to the exact class, count and limit and expires after
its TTL.`,
	}
	cmd.AddCommand(newWaiverGrantCmd(opts), newWaiverCheckCmd(opts))
	return cmd
}

func newWaiverGrantCmd(opts *globalOpts) *cobra.Command {
	var target waiverTarget
	var by, reason string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Write a waiver artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wctx, err := target.context()
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			store := waiver.NewStore(e.Layout.WaiversDir(), e.Hash)
			path, g, err := store.Grant(by, reason, wctx, ttl, time.Now())
			if err != nil {
				return err
			}
			e.Logger.Info().Str("waiver_id", g.WaiverID).Str("class", target.class).Msg("waiver granted")
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, passStyle.Render("GRANTED"))
			field(out, "waiver", g.WaiverID)
			field(out, "expires", g.ExpiresAt)
			field(out, "path", e.Layout.Rel(path))
			return nil
		},
	}
	target.bind(cmd)
	cmd.Flags().StringVar(&by, "by", "", "approver identity")
	cmd.Flags().StringVar(&reason, "reason", "", "why the limit may be exceeded")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "validity period")
	_ = cmd.MarkFlagRequired("by")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newWaiverCheckCmd(opts *globalOpts) *cobra.Command {
	var target waiverTarget
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether a valid waiver exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wctx, err := target.context()
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			store := waiver.NewStore(e.Layout.WaiversDir(), e.Hash)
			if store.Check(wctx, time.Now()) {
				fmt.Fprintln(cmd.OutOrStdout(), passStyle.Render("VALID"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), blockedStyle.Render("NO VALID WAIVER"))
			return &exitError{code: ExitWaiver}
		},
	}
	target.bind(cmd)
	return cmd
}
