package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"buildloop/internal/artifact"
	"buildloop/internal/canon"
	"buildloop/internal/config"
	"buildloop/internal/logging"
	"buildloop/internal/mission"
	"buildloop/internal/policy"
	"buildloop/internal/trace"
	"buildloop/internal/workspace"
)

// globalOpts holds flags shared by every subcommand.
type globalOpts struct {
	ConfigPath string
	Root       string
	LogLevel   string
	LogFormat  string
}

// NewRootCmd builds the loopctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "loopctl",
		Short: "Governed build loop controller",
		Long: `loopctl runs a mission chain under a hash-chained attempt ledger and a
fail-closed loop policy. Runs pause at checkpoints for human review and
resume only when the effective policy is unchanged.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", "", "settings file (default $LOOPCTL_CONFIG or ./loopctl.toml)")
	pf.StringVar(&opts.Root, "root", "", "workspace root (overrides workspace.root)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level (overrides log.level)")
	pf.StringVar(&opts.LogFormat, "log-format", "", "console or json (overrides log.format)")

	root.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newCheckpointCmd(opts),
		newLedgerCmd(opts),
		newWaiverCmd(opts),
		newCycleCmd(opts),
		newPolicyCmd(opts),
	)
	return root
}

// Execute runs the command tree with args. An interrupt cancels the
// command context.
func Execute(stdout, stderr io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// env is what a subcommand needs after settings are resolved.
type env struct {
	Settings config.Settings
	Layout   artifact.Layout
	Hash     canon.HashPolicy
	Logger   zerolog.Logger
	Trace    *trace.Provider
}

func loadEnv(ctx context.Context, cmd *cobra.Command, opts *globalOpts) (*env, error) {
	s, err := config.Resolve(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Root != "" {
		s.WorkspaceRoot = opts.Root
	}
	if opts.LogLevel != "" {
		s.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		s.LogFormat = opts.LogFormat
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{Level: s.LogLevel, Format: s.LogFormat, Out: cmd.ErrOrStderr()})
	tp, err := trace.NewProvider(ctx, trace.Config{
		Endpoint:    s.TraceEndpoint,
		ServiceName: s.TraceServiceName,
		Insecure:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if s.Source != "" {
		logger.Debug().Str("settings", s.Source).Msg("settings loaded")
	}
	return &env{
		Settings: s,
		Layout:   artifact.NewLayout(s.WorkspaceRoot, s.ArtifactsRoot()),
		Hash:     canon.Default(),
		Logger:   logger,
		Trace:    tp,
	}, nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Trace.Shutdown(ctx); err != nil {
		e.Logger.Warn().Err(err).Msg("trace shutdown")
	}
}

func (e *env) policyLoader() *policy.Loader {
	return policy.NewLoader(e.Settings.PolicyFile(), e.Hash)
}

func (e *env) repo() *workspace.Repo {
	return workspace.New(e.Settings.WorkspaceRoot)
}

// executor returns the agent for t, or an echo executor when no mission
// command is configured.
func (e *env) executor(t mission.Type) mission.Executor {
	if e.Settings.MissionCommand == "" {
		return mission.EchoExecutor{Step: t.String()}
	}
	return mission.NewAgentExecutor(t, e.Settings.MissionCommand, e.Settings.MissionArgs,
		e.Settings.MissionTimeout, e.Logger.With().Str("mission", t.String()).Logger())
}

func (e *env) missions() *mission.Registry {
	if e.Settings.MissionCommand == "" {
		e.Logger.Warn().Msg("mission.command not set, missions echo their inputs")
	}
	reg := mission.NewRegistry()
	for _, t := range []mission.Type{
		mission.TypeDesign, mission.TypeBuild, mission.TypeReview, mission.TypeSteward,
	} {
		reg = reg.With(t, e.executor(t))
	}
	return reg
}
