// Package workspace inspects and resets the git working tree the loop
// operates on.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrDirty is matched by any DirtyError.
var ErrDirty = errors.New("workspace dirty")

// DirtyError lists the porcelain status entries that made a tree dirty.
type DirtyError struct {
	Entries []string
}

func (e *DirtyError) Error() string {
	const shown = 5
	entries := e.Entries
	suffix := ""
	if len(entries) > shown {
		suffix = fmt.Sprintf(", ... (%d more)", len(entries)-shown)
		entries = entries[:shown]
	}
	return fmt.Sprintf("workspace dirty: %s%s", strings.Join(entries, ", "), suffix)
}

// Is lets errors.Is(err, ErrDirty) match any DirtyError.
func (e *DirtyError) Is(target error) bool {
	return target == ErrDirty
}

// Checker is the precondition used by run and resume.
type Checker interface {
	VerifyClean(ctx context.Context) error
}

// Repo is a git working tree rooted at Dir.
type Repo struct {
	Dir string
}

// New returns a Repo for dir.
func New(dir string) *Repo {
	return &Repo{Dir: dir}
}

// VerifyClean fails with a DirtyError when there are staged, unstaged or
// untracked changes.
func (r *Repo) VerifyClean(ctx context.Context) error {
	out, err := r.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return err
	}
	var entries []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			entries = append(entries, line)
		}
	}
	if len(entries) > 0 {
		return &DirtyError{Entries: entries}
	}
	return nil
}

// HeadCommit returns the full hash of HEAD.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HardReset discards every tracked and untracked change back to commit.
// An empty commit resets to HEAD.
func (r *Repo) HardReset(ctx context.Context, commit string) error {
	if commit == "" {
		commit = "HEAD"
	}
	if _, err := r.git(ctx, "reset", "--hard", commit); err != nil {
		return err
	}
	_, err := r.git(ctx, "clean", "-fdq")
	return err
}

// git runs a git subcommand in the repo and returns stdout. Stderr is
// folded into the error.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.Dir}, args...)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}
