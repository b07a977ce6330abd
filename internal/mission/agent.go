package mission

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"buildloop/internal/taxonomy"
)

// DefaultTimeout is the default per-mission subprocess timeout.
const DefaultTimeout = 10 * time.Minute

// KillGrace bounds how long Run waits for output pipes to close after the
// agent's process group has been killed.
const KillGrace = 5 * time.Second

// CommandFactory builds the subprocess for one mission. Tests inject a
// factory that re-executes the test binary.
type CommandFactory func(ctx context.Context, workDir string) *exec.Cmd

// request is written to the agent's stdin as one JSON document.
type request struct {
	Mission Type                   `json:"mission"`
	Context Context                `json:"context"`
	Inputs  map[string]interface{} `json:"inputs"`
}

// AgentExecutor runs a mission as an external command. The command reads a
// JSON request on stdin and writes JSON lines on stdout; the last line with
// "type":"result" is the mission Result. Other lines are passed to Stream.
type AgentExecutor struct {
	Mission Type
	Command string
	Args    []string
	Timeout time.Duration
	Logger  zerolog.Logger
	// Stream receives raw stdout while the agent runs. Nil discards it.
	Stream io.Writer
	// Factory overrides how the command is built.
	Factory CommandFactory
}

// NewAgentExecutor returns an executor running command with args.
func NewAgentExecutor(t Type, command string, args []string, timeout time.Duration, logger zerolog.Logger) *AgentExecutor {
	return &AgentExecutor{Mission: t, Command: command, Args: args, Timeout: timeout, Logger: logger}
}

func (a *AgentExecutor) command(ctx context.Context, workDir string) *exec.Cmd {
	var cmd *exec.Cmd
	if a.Factory != nil {
		cmd = a.Factory(ctx, workDir)
	} else {
		cmd = exec.CommandContext(ctx, a.Command, a.Args...)
		cmd.Dir = workDir
	}
	ownGroup(cmd)
	return cmd
}

// ownGroup starts cmd in its own process group and, for commands bound to
// a context, kills the whole group on cancellation so children spawned by
// the agent cannot outlive it.
func ownGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.WaitDelay = KillGrace
	if cmd.Cancel == nil {
		return
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// Run implements Executor. Non-zero exit, timeout and unparseable output
// all come back as a failed Result; a timeout is classified as timeout. Only a failure to start the process or
// encode the request is an error.
func (a *AgentExecutor) Run(ctx context.Context, mctx Context, inputs map[string]interface{}) (*Result, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(request{Mission: a.Mission, Context: mctx, Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("encode mission request: %w", err)
	}

	cmd := a.command(ctx, mctx.WorkDir)
	cmd.Stdin = bytes.NewReader(payload)
	var stdoutBuf, stderrBuf bytes.Buffer
	stream := a.Stream
	if stream == nil {
		stream = io.Discard
	}
	cmd.Stdout = io.MultiWriter(&stdoutBuf, stream)
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()
	log := a.Logger.With().Str("mission", a.Mission.String()).Dur("duration", time.Since(start)).Logger()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("timeout", timeout).Msg("mission timed out")
		res := Failed(fmt.Sprintf("mission %s timed out after %s", a.Mission, timeout))
		res.FailureClass = taxonomy.FailureTimeout.String()
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run mission %s: %w", a.Mission, runErr)
		}
		msg := fmt.Sprintf("mission %s exited %d", a.Mission, exitErr.ExitCode())
		if tail := lastLine(stderrBuf.String()); tail != "" {
			msg += ": " + tail
		}
		log.Warn().Int("exit_code", exitErr.ExitCode()).Msg("mission failed")
		return Failed(msg), nil
	}

	res, err := parseResult(stdoutBuf.String())
	if err != nil {
		log.Warn().Err(err).Msg("mission output unparseable")
		return Failed(fmt.Sprintf("mission %s: %v", a.Mission, err)), nil
	}
	log.Debug().Bool("success", res.Success).Bool("suspended", res.Suspended()).Msg("mission finished")
	return res, nil
}

// resultLine is a Result tagged with its stream event type.
type resultLine struct {
	Type string `json:"type"`
	Result
}

// parseResult returns the last result event in a JSON-lines stream.
func parseResult(stdout string) (*Result, error) {
	var found *Result
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var ev resultLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type != "result" {
			continue
		}
		r := ev.Result
		found = &r
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if found == nil {
		return nil, errors.New("no result event in output")
	}
	if found.Outputs == nil {
		found.Outputs = map[string]interface{}{}
	}
	if found.ExecutedSteps == nil {
		found.ExecutedSteps = []string{}
	}
	return found, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
