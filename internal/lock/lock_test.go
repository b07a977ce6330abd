package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "budget.lock")

	l, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())
	_, err = os.Stat(path)
	assert.NoError(t, err, "lock file created")

	require.NoError(t, l.Release())
	assert.NoError(t, l.Release(), "second release is a no-op")

	again, err := Acquire(context.Background(), path, 0)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.lock")
	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), path, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_SucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.lock")
	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Release()
	}()

	l, err := Acquire(context.Background(), path, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquire_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.lock")
	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Acquire(ctx, path, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWith(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.lock")
	boom := errors.New("boom")

	err := With(context.Background(), path, time.Second, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	ran := false
	require.NoError(t, With(context.Background(), path, 0, func() error { ran = true; return nil }))
	assert.True(t, ran, "lock released after previous call")
}
