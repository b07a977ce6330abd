// Package lock provides an exclusive advisory file lock with a bounded wait.
// It is cross-process: two controllers sharing an artifacts directory
// serialize on the same lock file.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("lock acquisition timed out")

// pollInterval is how often a contended lock is retried.
const pollInterval = 10 * time.Millisecond

// FileLock is a held flock(2) lock. Release it exactly once.
type FileLock struct {
	path string
	f    *os.File
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Acquire takes an exclusive lock on path, creating the file if needed, and
// waits at most timeout. A zero timeout tries once.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &FileLock{path: path, f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, fmt.Errorf("%s after %s: %w", path, timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release unlocks and closes the lock file. The file itself is left in
// place so later holders reuse the same inode.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// With runs fn while holding the lock at path.
func With(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	l, err := Acquire(ctx, path, timeout)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
