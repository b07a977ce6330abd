package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"buildloop/internal/canon"
	"buildloop/internal/ledger"
)

// Change is a measured working-tree change and the patch that recreates it.
type Change struct {
	Stats ledger.PatchStats
	Patch []byte
}

// Empty reports whether no file differs from HEAD.
func (c Change) Empty() bool { return c.Stats.FilesTouched == 0 }

// DiffStat measures the uncommitted change against HEAD, untracked files
// included. It marks untracked files intent-to-add so they show in the
// diff; HardReset clears that again.
func (r *Repo) DiffStat(ctx context.Context, p canon.HashPolicy) (Change, error) {
	if _, err := r.git(ctx, "add", "--all", "--intent-to-add"); err != nil {
		return Change{}, err
	}
	numstat, err := r.git(ctx, "diff", "--no-renames", "--numstat", "HEAD")
	if err != nil {
		return Change{}, err
	}
	summary, err := r.git(ctx, "diff", "-M", "--summary", "HEAD")
	if err != nil {
		return Change{}, err
	}
	patch, err := r.git(ctx, "diff", "--binary", "HEAD")
	if err != nil {
		return Change{}, err
	}

	c := Change{Stats: parseNumstat(numstat)}
	c.Stats.HasSuspiciousModes = hasSuspiciousModes(summary)
	if len(c.Stats.Files) > 0 {
		c.Patch = []byte(patch)
		c.Stats.DiffHash = p.HashBytes(c.Patch)
	}
	return c, nil
}

// ApplyPatch re-stages a patch captured by DiffStat onto the working tree.
func (r *Repo) ApplyPatch(ctx context.Context, patch []byte) error {
	if len(patch) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "-C", r.Dir, "apply", "--whitespace=nowarn", "-")
	cmd.Stdin = bytes.NewReader(patch)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git apply: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// parseNumstat reads `git diff --numstat` output. Binary files count as
// touched with no line delta.
func parseNumstat(out string) ledger.PatchStats {
	stats := ledger.PatchStats{Files: []string{}}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		added, _ := strconv.Atoi(fields[0])
		deleted, _ := strconv.Atoi(fields[1])
		stats.AddedLines += added
		stats.DeletedLines += deleted
		stats.Files = append(stats.Files, fields[2])
	}
	sort.Strings(stats.Files)
	stats.FilesTouched = len(stats.Files)
	stats.TotalLineDelta = stats.AddedLines + stats.DeletedLines
	return stats
}

// hasSuspiciousModes reports renames, copies and any symlink mode
// (120000) in `git diff --summary` output.
func hasSuspiciousModes(summary string) bool {
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "rename "), strings.HasPrefix(line, "copy "):
			return true
		case strings.Contains(line, "mode 120000"):
			return true
		}
	}
	return false
}
