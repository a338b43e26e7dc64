package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/raeenos/raepkg/internal/lockfile"
)

// idAllocator issues transaction ids from a persistent counter. Ids are
// monotonically increasing and start at 1; 0 is never issued, so it can
// never be mistaken for a free slot.
type idAllocator struct {
	path string
}

func newIDAllocator(stateDir string) *idAllocator {
	return &idAllocator{path: filepath.Join(stateDir, "txn_id")}
}

// Next allocates the next id. The counter file is guarded by a file lock
// so concurrent prepares in separate processes never share an id.
func (a *idAllocator) Next(ctx context.Context) (uint64, error) {
	lock, err := lockfile.Acquire(ctx, a.path+".lock", true)
	if err != nil {
		return 0, fmt.Errorf("acquiring id counter lock: %w", err)
	}
	defer lock.Release()

	last, err := a.read()
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := a.write(next); err != nil {
		return 0, err
	}
	return next, nil
}

func (a *idAllocator) read() (uint64, error) {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading id counter: %w", err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id counter %s is corrupt: %w", a.path, err)
	}
	return id, nil
}

func (a *idAllocator) write(id uint64) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tempFile, err := os.CreateTemp(filepath.Dir(a.path), ".txn_id-*.tmp")
	if err != nil {
		return fmt.Errorf("writing id counter: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.WriteString(strconv.FormatUint(id, 10) + "\n"); err != nil {
		return fmt.Errorf("writing id counter: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("syncing id counter: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing id counter: %w", err)
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, a.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replacing id counter: %w", err)
	}
	return nil
}
