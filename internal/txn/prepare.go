package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/lockfile"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/repo"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/version"
)

// Prepare resolves the transaction into a plan, fetches and verifies every
// needed archive, checks disk space, and takes the snapshot. The catalog is
// not touched. On any failure the transaction fails and a partially built
// snapshot is discarded; the archive cache may keep completed downloads.
func (t *Transaction) Prepare(ctx context.Context) error {
	if t.record.State != StateBuilt {
		return fmt.Errorf("%w: cannot prepare a %s transaction", ErrState, t.record.State)
	}

	// shared: prepares overlap each other but never a commit
	lock, err := lockfile.Acquire(ctx, t.engine.opts.LockPath, false)
	if err != nil {
		t.fail("prepare", err)
		return fmt.Errorf("prepare transaction %d: %w", t.record.ID, err)
	}
	defer lock.Release()

	start := time.Now()
	if err := t.prepare(ctx); err != nil {
		t.discardSnapshot()
		t.fail("prepare", err)
		return fmt.Errorf("prepare transaction %d: %w", t.record.ID, err)
	}

	t.record.State = StatePrepared
	t.persist()
	t.engine.logger.Info("Transaction prepared",
		"txn_id", t.record.ID,
		"steps", len(t.plan.Steps),
		"snapshot", t.record.SnapshotID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (t *Transaction) prepare(ctx context.Context) error {
	plan, err := t.engine.resolver.Resolve(t.requests)
	if err != nil {
		return err
	}
	t.plan = plan
	t.record.Operations = operationsFor(plan)
	t.record.Progress.TotalSteps = len(plan.Steps)
	t.persist()

	if err := t.fetchArchives(ctx); err != nil {
		return err
	}

	manifests, err := t.readManifests()
	if err != nil {
		return err
	}
	if err := t.checkDiskSpace(manifests); err != nil {
		return err
	}
	return t.takeSnapshot(manifests)
}

// fetchArchives downloads and verifies every install step's archive, up to
// MaxParallel at a time. Verified archives land in the content-addressed
// cache; a cached archive that fails verification is deleted.
func (t *Transaction) fetchArchives(ctx context.Context) error {
	t.archives = make([]string, len(t.plan.Steps))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.engine.opts.MaxParallel)
	for i, step := range t.plan.Steps {
		i, step := i, step
		if step.Action != resolver.ActionInstall {
			continue
		}
		g.Go(func() error {
			path, err := t.engine.ensureArchive(ctx, step.Package)
			if err != nil {
				return err
			}
			t.archives[i] = path
			return nil
		})
	}
	return g.Wait()
}

// ensureArchive returns the cache path of a verified archive for pkg,
// downloading it when the cache misses.
func (e *Engine) ensureArchive(ctx context.Context, pkg *models.Package) (string, error) {
	if pkg.Checksum == "" {
		return "", fmt.Errorf("no checksum recorded for %s %s; refusing to fetch", pkg.Name, pkg.Version)
	}
	cachePath := filepath.Join(e.opts.CacheDir, "archives",
		strings.TrimPrefix(pkg.Checksum, "sha256:")+archive.Extension)

	if _, err := os.Stat(cachePath); err == nil {
		if err := e.verifyArchive(cachePath, pkg); err != nil {
			os.Remove(cachePath)
			return "", fmt.Errorf("cached archive for %s %s: %w", pkg.Name, pkg.Version, err)
		}
		e.logger.Debug("Archive cache hit", "package", pkg.Name, "version", pkg.Version)
		return cachePath, nil
	}

	repository, err := e.repos.Get(pkg.Source.Repository)
	if err != nil {
		return "", fmt.Errorf("repository %s for %s: %w", pkg.Source.Repository, pkg.Name, err)
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return "", fmt.Errorf("creating archive cache: %w", err)
	}

	// archives are served content-addressed, same name as the cache entry
	urls := repo.ArtifactURLs(repository, "archives/"+filepath.Base(cachePath))
	size, err := e.client.DownloadFile(ctx, urls, cachePath)
	if err != nil {
		return "", fmt.Errorf("downloading %s %s: %w", pkg.Name, pkg.Version, err)
	}

	if err := e.verifyArchive(cachePath, pkg); err != nil {
		os.Remove(cachePath)
		return "", fmt.Errorf("downloaded archive for %s %s: %w", pkg.Name, pkg.Version, err)
	}

	e.stats.RecordDownload(size)
	return cachePath, nil
}

// verifyArchive checks the archive checksum and, when configured, its
// embedded signature against the keyring.
func (e *Engine) verifyArchive(path string, pkg *models.Package) error {
	if err := archive.VerifyFile(path, pkg.Checksum); err != nil {
		return err
	}
	if !e.opts.VerifySignatures {
		return nil
	}

	err := archive.VerifySignature(path, e.keyring)
	if err == nil {
		return nil
	}
	if errors.Is(err, archive.ErrUnsigned) && e.opts.AllowUnsigned {
		e.logger.Warn("Accepting unsigned archive",
			"package", pkg.Name,
			"version", pkg.Version)
		return nil
	}
	return err
}

// readManifests loads the payload manifest of every install step's archive.
func (t *Transaction) readManifests() (map[int]*archive.Manifest, error) {
	manifests := make(map[int]*archive.Manifest)
	for i, step := range t.plan.Steps {
		if step.Action != resolver.ActionInstall {
			continue
		}
		m, err := archive.ReadManifest(t.archives[i])
		if err != nil {
			return nil, fmt.Errorf("archive for %s %s: %w", step.Package.Name, step.Package.Version, err)
		}
		manifests[i] = m
	}
	return manifests, nil
}

// checkDiskSpace requires the payload plus a ten percent margin to fit in
// the install root's available bytes.
func (t *Transaction) checkDiskSpace(manifests map[int]*archive.Manifest) error {
	var required uint64
	for _, m := range manifests {
		for _, f := range m.Files {
			required += uint64(f.Size)
		}
	}
	required += required / 10

	available, err := availableBytes(t.engine.opts.InstallRoot)
	if err != nil {
		return fmt.Errorf("checking disk space: %w", err)
	}
	if required > available {
		return fmt.Errorf("%w: need %d bytes under %s, %d available",
			ErrDiskFull, required, t.engine.opts.InstallRoot, available)
	}
	return nil
}

// takeSnapshot captures every path the plan will touch, in plan order:
// the files a removal deletes and the files an install writes.
func (t *Transaction) takeSnapshot(manifests map[int]*archive.Manifest) error {
	var paths []string
	for i, step := range t.plan.Steps {
		switch step.Action {
		case resolver.ActionRemove:
			for _, f := range step.Package.Files {
				paths = append(paths, f.Path)
			}
		case resolver.ActionInstall:
			for _, f := range manifests[i].Files {
				paths = append(paths, f.Path)
			}
		}
	}

	dir := filepath.Join(recordDir(t.engine.transactionsDir(), t.record.ID), snapshotDirName)
	snap, err := createSnapshot(dir, t.engine.opts.InstallRoot, t.record.ID, paths, t.engine.store)
	if err != nil {
		return err
	}
	t.snapshot = snap
	t.record.SnapshotID = snap.id()
	return nil
}

// discardSnapshot removes a snapshot taken by a prepare that then failed.
func (t *Transaction) discardSnapshot() {
	if t.snapshot == nil {
		return
	}
	if err := t.snapshot.delete(); err != nil {
		t.engine.logger.Warn("Failed to discard snapshot",
			"txn_id", t.record.ID,
			"error", err)
	}
	t.snapshot = nil
	t.record.SnapshotID = ""
}

// Discard cancels a transaction before commit: the snapshot is deleted and
// the record closes as failed. Downloaded archives stay in the cache.
func (t *Transaction) Discard() error {
	switch t.record.State {
	case StateBuilt, StatePrepared:
	default:
		return fmt.Errorf("%w: cannot discard a %s transaction", ErrState, t.record.State)
	}
	t.discardSnapshot()
	t.fail("discard", errors.New("discarded before commit"))
	return nil
}

// operationsFor collapses a plan into the user-visible operation list: a
// same-name remove+install pair becomes one update or downgrade.
func operationsFor(plan *resolver.Plan) []Operation {
	replaced := make(map[string]string) // name -> removed version
	for _, step := range plan.Steps {
		if step.Action == resolver.ActionRemove {
			replaced[step.Package.Name] = step.Package.Version
		}
	}

	var ops []Operation
	for _, step := range plan.Steps {
		switch step.Action {
		case resolver.ActionRemove:
			// emitted by the matching install when this is a replacement
			if isReplacement(plan, step.Package.Name) {
				continue
			}
			ops = append(ops, Operation{
				Op:      OpRemove,
				Name:    step.Package.Name,
				Version: step.Package.Version,
			})
		case resolver.ActionInstall:
			op := Operation{
				Op:      OpInstall,
				Name:    step.Package.Name,
				Version: step.Package.Version,
				Reason:  step.Reason,
			}
			if from, ok := replaced[step.Package.Name]; ok {
				op.From = from
				op.Op = OpUpdate
				if isDowngrade(step.Package.Version, from) {
					op.Op = OpDowngrade
				}
			}
			ops = append(ops, op)
		}
	}
	return ops
}

func isReplacement(plan *resolver.Plan, name string) bool {
	for _, step := range plan.Steps {
		if step.Action == resolver.ActionInstall && step.Package.Name == name {
			return true
		}
	}
	return false
}

func isDowngrade(to, from string) bool {
	toV, err := version.Parse(to)
	if err != nil {
		return false
	}
	fromV, err := version.Parse(from)
	if err != nil {
		return false
	}
	return toV.Less(fromV)
}
