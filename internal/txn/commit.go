package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/lockfile"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/resolver"
)

// stagingDirName lives inside the install root so staged files land on the
// same filesystem and rename into place atomically.
const stagingDirName = ".raepkg-staging"

// acquireCommitLock takes the global commit lock. The wait is unbounded;
// only the caller's context stops it.
func (e *Engine) acquireCommitLock(ctx context.Context) (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(ctx, e.opts.LockPath, true)
	if err != nil {
		return nil, fmt.Errorf("acquiring commit lock: %w", err)
	}
	return lock, nil
}

// Commit applies the plan under the global commit lock. Steps another
// transaction already satisfied are skipped; any failure rolls back
// automatically. Cancellation between steps finishes the current operation
// first, then rolls back.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.record.State != StatePrepared {
		return fmt.Errorf("%w: cannot commit a %s transaction", ErrState, t.record.State)
	}

	lock, err := t.engine.acquireCommitLock(ctx)
	if err != nil {
		t.fail("commit", err)
		return err
	}
	defer lock.Release()

	// another transaction may have committed since prepare; work against
	// the current catalog and keep the snapshot's copy exact
	if err := t.engine.store.Reload(); err != nil {
		t.fail("commit", err)
		return fmt.Errorf("commit transaction %d: %w", t.record.ID, err)
	}
	if err := t.snapshot.refreshCatalog(t.engine.store); err != nil {
		t.fail("commit", err)
		return fmt.Errorf("commit transaction %d: %w", t.record.ID, err)
	}

	t.record.CommitStarted = time.Now()
	t.persist()

	commitErr := t.applySteps(ctx)
	if commitErr != nil {
		t.engine.logger.Warn("Commit failed, rolling back",
			"txn_id", t.record.ID,
			"error", commitErr)
		if rbErr := t.snapshot.restore(context.WithoutCancel(ctx), t.engine.store); rbErr != nil {
			t.fail("rollback", rbErr)
			return fmt.Errorf("commit transaction %d: %v; rollback also failed (snapshot retained): %w",
				t.record.ID, commitErr, rbErr)
		}
		if delErr := t.snapshot.delete(); delErr != nil {
			t.engine.logger.Warn("Failed to delete snapshot after rollback",
				"txn_id", t.record.ID,
				"error", delErr)
		}
		t.record.State = StateRolledBack
		t.record.SnapshotID = ""
		t.record.FailedPhase = "commit"
		t.record.Error = commitErr.Error()
		t.persist()
		return fmt.Errorf("commit transaction %d: %w", t.record.ID, commitErr)
	}

	if err := t.snapshot.delete(); err != nil {
		t.engine.logger.Warn("Failed to delete snapshot after commit",
			"txn_id", t.record.ID,
			"error", err)
	}
	t.record.State = StateCommitted
	t.record.SnapshotID = ""
	t.persist()
	t.recordStats()

	t.engine.logger.Info("Transaction committed",
		"txn_id", t.record.ID,
		"steps", len(t.plan.Steps),
		"duration_ms", time.Since(t.record.CommitStarted).Milliseconds())
	return nil
}

// applySteps runs the plan in order. The context is checked only between
// steps: a running operation always finishes, keeping every step atomic.
func (t *Transaction) applySteps(ctx context.Context) error {
	opCtx := context.WithoutCancel(ctx)
	for i, step := range t.plan.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("commit cancelled: %w", err)
		}

		satisfied, err := t.alreadySatisfied(step)
		if err != nil {
			return err
		}
		if satisfied {
			t.engine.logger.Debug("Step already satisfied, skipping",
				"txn_id", t.record.ID,
				"step", step.String())
			t.record.Progress.CurrentStep = i + 1
			t.persist()
			continue
		}

		switch step.Action {
		case resolver.ActionRemove:
			err = t.applyRemove(opCtx, step)
		case resolver.ActionInstall:
			err = t.applyInstall(opCtx, i, step)
		default:
			err = fmt.Errorf("unknown plan action %q", step.Action)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", step.String(), err)
		}

		t.record.Progress.CurrentStep = i + 1
		t.persist()
	}
	return nil
}

// alreadySatisfied reports whether the live catalog already reflects the
// step, which happens when a concurrently prepared transaction commits
// first.
func (t *Transaction) alreadySatisfied(step resolver.Step) (bool, error) {
	owner, err := t.engine.store.InstalledOwner(step.Package.Name)
	switch step.Action {
	case resolver.ActionInstall:
		if err == nil {
			return owner.Version == step.Package.Version && owner.Status != models.StatusBroken, nil
		}
	case resolver.ActionRemove:
		if errors.Is(err, catalog.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// applyRemove drops ownership in the catalog first, then deletes the
// package's files. An observer may briefly see files without an owner but
// never an owner without files.
func (t *Transaction) applyRemove(ctx context.Context, step resolver.Step) error {
	owner, err := t.engine.store.InstalledOwner(step.Package.Name)
	if err != nil {
		return err
	}
	if err := t.engine.store.MarkRemoved(ctx, owner.Name); err != nil {
		return err
	}

	root := t.engine.opts.InstallRoot
	var dirs []string
	for _, entry := range owner.Files {
		if strings.HasSuffix(entry.Path, "/") {
			dirs = append(dirs, entry.Path)
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(entry.Path))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %s: %w", entry.Path, err)
		}
	}

	// deepest first; shared directories survive because they are not empty
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		_ = os.Remove(filepath.Join(root, filepath.FromSlash(dir)))
	}
	return nil
}

// applyInstall extracts the archive into a staging directory inside the
// install root, renames every file into place, and flips the catalog last.
func (t *Transaction) applyInstall(ctx context.Context, stepIndex int, step resolver.Step) error {
	archivePath := t.archives[stepIndex]
	if archivePath == "" {
		return fmt.Errorf("no archive prepared for %s %s", step.Package.Name, step.Package.Version)
	}

	staging := filepath.Join(t.engine.opts.InstallRoot, stagingDirName,
		fmt.Sprintf("%d-%d", t.record.ID, stepIndex))
	defer os.RemoveAll(staging)

	manifest, err := archive.Extract(ctx, archivePath, staging)
	if err != nil {
		return err
	}
	if err := t.moveIntoPlace(staging, manifest); err != nil {
		return err
	}

	pkg := step.Package.Clone()
	pkg.Files = manifest.Files
	pkg.InstallReason = step.Reason
	if pkg.InstalledSize == 0 {
		for _, f := range manifest.Files {
			pkg.InstalledSize += f.Size
		}
	}

	err = t.engine.store.MarkInstalled(ctx, pkg, t.engine.opts.InstallRoot, time.Now(), pkg.Checksum)
	if errors.Is(err, catalog.ErrNotFound) {
		// a sync between prepare and commit dropped the candidate entry;
		// reinsert it from the prepared metadata and flip again
		if upsertErr := t.engine.store.Upsert(ctx, pkg); upsertErr != nil {
			return upsertErr
		}
		err = t.engine.store.MarkInstalled(ctx, pkg, t.engine.opts.InstallRoot, time.Now(), pkg.Checksum)
	}
	return err
}

// moveIntoPlace renames every staged payload entry to its final path.
// Directories are created, files rename over whatever was there.
func (t *Transaction) moveIntoPlace(staging string, manifest *archive.Manifest) error {
	root := t.engine.opts.InstallRoot
	for _, entry := range manifest.Files {
		target := filepath.Join(root, filepath.FromSlash(entry.Path))
		if strings.HasSuffix(entry.Path, "/") {
			if err := os.MkdirAll(target, os.FileMode(entry.Mode)&0o777); err != nil {
				return fmt.Errorf("creating directory %s: %w", entry.Path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", entry.Path, err)
		}
		staged := filepath.Join(staging, filepath.FromSlash(entry.Path))
		if err := os.Rename(staged, target); err != nil {
			return fmt.Errorf("installing %s: %w", entry.Path, err)
		}
	}
	return nil
}

// recordStats counts the committed operations into the persistent stats.
func (t *Transaction) recordStats() {
	var installed, updated, removed int
	for _, op := range t.record.Operations {
		switch op.Op {
		case OpInstall:
			installed++
		case OpUpdate, OpDowngrade:
			updated++
		case OpRemove:
			removed++
		}
	}
	t.engine.stats.RecordCommit(installed, updated, removed)
}
