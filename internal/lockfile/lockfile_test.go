package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := TryAcquire(path, true)
	require.NoError(t, err)
	defer l.Release()

	// the holder pid lands in the lock file
	pid, err := HolderPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestTryAcquire_SharedReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	// flock is per-fd, so two shared locks in one process coexist
	a, err := TryAcquire(path, false)
	require.NoError(t, err)
	defer a.Release()

	b, err := TryAcquire(path, false)
	require.NoError(t, err)
	defer b.Release()
}

func TestTryAcquire_ExclusiveBlocksShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	ex, err := TryAcquire(path, true)
	require.NoError(t, err)

	_, err = TryAcquire(path, false)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, ex.Release())

	sh, err := TryAcquire(path, false)
	require.NoError(t, err)
	require.NoError(t, sh.Release())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	ex, err := TryAcquire(path, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l, err := Acquire(context.Background(), path, true)
		if err == nil {
			l.Release()
		}
		done <- err
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, ex.Release())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never got the lock")
	}
}

func TestAcquire_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	ex, err := TryAcquire(path, true)
	require.NoError(t, err)
	defer ex.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = Acquire(ctx, path, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
