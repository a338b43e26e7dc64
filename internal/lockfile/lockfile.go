// Package lockfile provides advisory file locks shared across
// processes. The catalog takes a shared lock for reads and an
// exclusive lock for writes; commits serialize on a dedicated lock
// file. Locks are advisory: every writer must go through this package.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLockHeld is returned by TryAcquire when another process holds the
// lock.
var ErrLockHeld = errors.New("lock held by another process")

// retryInterval paces Acquire's polling. Acquisition itself is
// unbounded; only context cancellation stops the wait.
const retryInterval = 100 * time.Millisecond

// Lock is a held file lock.
type Lock struct {
	path      string
	f         *os.File
	exclusive bool
}

// TryAcquire takes the lock without blocking. exclusive=false takes a
// shared (read) lock.
func TryAcquire(path string, exclusive bool) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := flockLock(f, exclusive, false); err != nil {
		f.Close()
		if isWouldBlock(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return held(path, f, exclusive)
}

// Acquire takes the lock, waiting as long as the context allows.
func Acquire(ctx context.Context, path string, exclusive bool) (*Lock, error) {
	for {
		l, err := TryAcquire(path, exclusive)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return fmt.Errorf("releasing %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// HolderPID reads the pid recorded in the lock file by the current
// exclusive holder, if any.
func HolderPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s does not name a pid: %w", path, err)
	}
	return pid, nil
}

func open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	return f, nil
}

func held(path string, f *os.File, exclusive bool) (*Lock, error) {
	if exclusive {
		// record the holder so an operator can see who owns the lock
		if err := f.Truncate(0); err == nil {
			_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		}
	}
	return &Lock{path: path, f: f, exclusive: exclusive}, nil
}
