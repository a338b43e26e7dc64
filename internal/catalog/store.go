package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raeenos/raepkg/internal/lockfile"
	"github.com/raeenos/raepkg/internal/models"
)

// Store is the file-backed catalog. In-memory reads see the state as
// of the last load (a snapshot); every mutation re-reads the file
// under an exclusive cross-process lock, applies the change, and
// persists atomically.
type Store struct {
	path     string
	lockPath string
	mu       sync.RWMutex
	data     *document
	logger   *slog.Logger
}

// Open loads the catalog at path, creating an empty one if the file
// does not exist. A catalog that exists but fails schema validation
// yields ErrCorrupt and must not be repaired automatically.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path: path,
		// the lock lives beside the catalog on a stable inode; locking
		// catalog.db itself would lock an inode the next rename replaces
		lockPath: path + ".lock",
		logger:   logger,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.data = newDocument()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating catalog directory: %v", ErrIO, err)
		}
		lock, err := lockfile.TryAcquire(s.lockPath, true)
		if err != nil {
			return nil, err
		}
		defer lock.Release()
		if err := s.persist(); err != nil {
			return nil, err
		}
		s.logger.Info("Catalog not found, created empty catalog", "path", path)
		return s, nil
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	s.logger.Info("Catalog loaded", "path", path, "entries", len(s.data.Packages))
	return s, nil
}

// Reload re-reads the catalog from disk under a shared lock.
func (s *Store) Reload() error {
	lock, err := lockfile.TryAcquire(s.lockPath, false)
	if err != nil {
		return err
	}
	defer lock.Release()

	data, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Path returns the catalog file path.
func (s *Store) Path() string { return s.path }

func load(path string) (*document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading catalog: %v", ErrIO, err)
	}
	return decode(raw)
}

func decode(raw []byte) (*document, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrCorrupt, err)
	}
	if doc.Schema != Schema {
		return nil, fmt.Errorf("%w: schema %d not supported (want %d)", ErrCorrupt, doc.Schema, Schema)
	}
	if doc.Packages == nil {
		doc.Packages = make(map[string]*models.Package)
	}
	owners := make(map[string]string)
	for key, pkg := range doc.Packages {
		if pkg == nil || pkg.Key() != key {
			return nil, fmt.Errorf("%w: entry key %q does not match its record", ErrCorrupt, key)
		}
		if err := models.ValidateStatus(pkg.Status); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrCorrupt, key, err)
		}
		if pkg.Status.Owning() {
			if prev, dup := owners[pkg.Name]; dup {
				return nil, fmt.Errorf("%w: %q and %q both claim %s", ErrCorrupt, prev, key, pkg.Name)
			}
			owners[pkg.Name] = key
		}
	}
	return &doc, nil
}

// persist writes the catalog atomically: temp file in the same
// directory, fsync, then rename over the live file.
func (s *Store) persist() error {
	jsonData, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling catalog: %v", ErrIO, err)
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, ".catalog-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrIO, err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(jsonData); err != nil {
		return fmt.Errorf("%w: writing temp file: %v", ErrIO, err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("%w: syncing temp file: %v", ErrIO, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrIO, err)
	}
	tempFile = nil // rename now owns the file

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("%w: replacing catalog: %v", ErrIO, err)
	}
	return nil
}

// mutate runs one write operation: exclusive cross-process lock,
// reload so other processes' commits are visible, apply, persist.
// fn returns an undo that reverts the in-memory change if persisting
// fails.
func (s *Store) mutate(ctx context.Context, op string, fn func(d *document) (undo func(), err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockfile.Acquire(ctx, s.lockPath, true)
	if err != nil {
		return err
	}
	defer lock.Release()

	fresh, err := load(s.path)
	if err != nil {
		return err
	}
	s.data = fresh

	undo, err := fn(s.data)
	if err != nil {
		return err
	}

	if err := s.persist(); err != nil {
		if undo != nil {
			undo()
		}
		s.logger.Error("Catalog write failed", "operation", op, "error", err)
		return err
	}
	return nil
}

// Lookup returns the entry owning name (installed or broken), or the
// best available candidate when nothing owns it. The returned record
// is a copy.
func (s *Store) Lookup(name string) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Package
	for _, pkg := range s.data.Packages {
		if pkg.Name != name {
			continue
		}
		if pkg.Status.Owning() {
			return pkg.Clone(), nil
		}
		if best == nil || candidateLess(best, pkg) {
			best = pkg
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return best.Clone(), nil
}

// Get returns the exact (name, version, repository) entry.
func (s *Store) Get(name, ver, repo string) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := name + "@" + ver + "@" + repo
	pkg, ok := s.data.Packages[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s from %s", ErrNotFound, name, ver, repo)
	}
	return pkg.Clone(), nil
}

// Entries returns every provenance entry for name, ordered by
// repository priority, then version descending, trusted first.
func (s *Store) Entries(name string) []*models.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Package
	for _, pkg := range s.data.Packages {
		if pkg.Name == name {
			out = append(out, pkg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return candidateLess(out[j], out[i]) })
	return out
}

// List returns the entries matching the filter: installed first, then
// by name; stable.
func (s *Store) List(f Filter) []*models.Package {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Package
	for _, pkg := range s.data.Packages {
		if f.matches(pkg) {
			out = append(out, pkg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Status.Owning() != b.Status.Owning() {
			return a.Status.Owning()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return candidateLess(b, a)
		}
		return a.Source.Repository < b.Source.Repository
	})
	return out
}

// Installed returns the owning entry for every locally present name.
func (s *Store) Installed() []*models.Package {
	return s.List(Filter{InstalledOnly: true})
}

// InstalledOwner returns the entry owning name, if any.
func (s *Store) InstalledOwner(name string) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pkg := range s.data.Packages {
		if pkg.Name == name && pkg.Status.Owning() {
			return pkg.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not installed", ErrNotFound, name)
}

// Upsert inserts or replaces the entry keyed by (name, version,
// repository). Install-side fields of an owning entry survive the
// replacement.
func (s *Store) Upsert(ctx context.Context, pkg *models.Package) error {
	if err := models.ValidatePackage(pkg); err != nil {
		return err
	}
	return s.mutate(ctx, "upsert", func(d *document) (func(), error) {
		key := pkg.Key()
		old := d.Packages[key]
		d.Packages[key] = mergeForUpsert(old, pkg)
		return func() {
			if old == nil {
				delete(d.Packages, key)
			} else {
				d.Packages[key] = old
			}
		}, nil
	})
}

// ReplaceRepo atomically replaces every entry sourced from repo with
// the given set. Owning entries survive even when the repository
// dropped them.
func (s *Store) ReplaceRepo(ctx context.Context, repo string, entries []*models.Package) error {
	for _, pkg := range entries {
		if err := models.ValidatePackage(pkg); err != nil {
			return fmt.Errorf("repository %s: %w", repo, err)
		}
		if pkg.Source.Repository != repo {
			return fmt.Errorf("repository %s: entry %s carries provenance %q", repo, pkg.Name, pkg.Source.Repository)
		}
	}
	return s.mutate(ctx, "replace_repo", func(d *document) (func(), error) {
		old := d.Packages
		next := make(map[string]*models.Package, len(old))
		for key, pkg := range old {
			if pkg.Source.Repository != repo || pkg.Status.Owning() {
				next[key] = pkg
			}
		}
		for _, pkg := range entries {
			key := pkg.Key()
			next[key] = mergeForUpsert(next[key], pkg)
		}
		d.Packages = next
		return func() { d.Packages = old }, nil
	})
}

// mergeForUpsert layers fresh repository metadata over an existing
// entry, keeping the install-side fields when the entry owns its name.
func mergeForUpsert(old, incoming *models.Package) *models.Package {
	merged := incoming.Clone()
	if old != nil && old.Status.Owning() {
		merged.Status = old.Status
		merged.InstallPath = old.InstallPath
		merged.InstallTime = old.InstallTime
		merged.InstallReason = old.InstallReason
		merged.SecurityLevel = old.SecurityLevel
		merged.LastUpdate = old.LastUpdate
		if len(merged.Files) == 0 {
			merged.Files = old.Files
		}
	}
	return merged
}

// MarkInstalled flips the entry matching pkg's key to installed and
// records where and when it was materialized. Any other entry owning
// the same name loses ownership in the same write.
func (s *Store) MarkInstalled(ctx context.Context, pkg *models.Package, installPath string, at time.Time, checksum string) error {
	if installPath == "" {
		return fmt.Errorf("install path must not be empty")
	}
	return s.mutate(ctx, "mark_installed", func(d *document) (func(), error) {
		key := pkg.Key()
		entry, ok := d.Packages[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		saved := map[string]*models.Package{key: entry.Clone()}
		for k, other := range d.Packages {
			if other.Name == entry.Name && k != key && other.Status.Owning() {
				saved[k] = other.Clone()
				other.Status = models.StatusNotInstalled
				other.InstallPath = ""
				other.InstallTime = time.Time{}
				other.Files = nil
			}
		}

		entry.Status = models.StatusInstalled
		entry.InstallPath = installPath
		entry.InstallTime = at
		entry.LastUpdate = at
		if checksum != "" {
			entry.Checksum = checksum
		}
		if pkg.InstallReason != "" {
			entry.InstallReason = pkg.InstallReason
		} else if entry.InstallReason == "" {
			entry.InstallReason = models.ReasonExplicit
		}
		if len(pkg.Files) > 0 {
			entry.Files = pkg.Files
		}

		return func() {
			for k, snap := range saved {
				d.Packages[k] = snap
			}
		}, nil
	})
}

// MarkRemoved clears the owning entry for name back to not-installed.
func (s *Store) MarkRemoved(ctx context.Context, name string) error {
	return s.mutate(ctx, "mark_removed", func(d *document) (func(), error) {
		key, entry := findOwner(d, name)
		if entry == nil {
			return nil, fmt.Errorf("%w: %s is not installed", ErrNotFound, name)
		}
		saved := entry.Clone()
		entry.Status = models.StatusNotInstalled
		entry.InstallPath = ""
		entry.InstallTime = time.Time{}
		entry.InstallReason = ""
		entry.Files = nil
		return func() { d.Packages[key] = saved }, nil
	})
}

// MarkBroken flags the owning entry for name as broken. Rollback
// failures use it so the damage is visible.
func (s *Store) MarkBroken(ctx context.Context, name string) error {
	return s.mutate(ctx, "mark_broken", func(d *document) (func(), error) {
		key, entry := findOwner(d, name)
		if entry == nil {
			return nil, fmt.Errorf("%w: %s is not installed", ErrNotFound, name)
		}
		saved := entry.Clone()
		entry.Status = models.StatusBroken
		return func() { d.Packages[key] = saved }, nil
	})
}

// SetHeld pins or unpins the installed entry for name. Held packages
// are skipped by upgrade planning.
func (s *Store) SetHeld(ctx context.Context, name string, held bool) error {
	return s.mutate(ctx, "set_held", func(d *document) (func(), error) {
		key, entry := findOwner(d, name)
		if entry == nil {
			return nil, fmt.Errorf("%w: %s is not installed", ErrNotFound, name)
		}
		if entry.Status == models.StatusBroken {
			return nil, fmt.Errorf("%s is broken; repair it before holding", name)
		}
		saved := entry.Clone()
		if held {
			entry.Status = models.StatusHeld
		} else if entry.Status == models.StatusHeld {
			entry.Status = models.StatusInstalled
		}
		return func() { d.Packages[key] = saved }, nil
	})
}

func findOwner(d *document, name string) (string, *models.Package) {
	for key, pkg := range d.Packages {
		if pkg.Name == name && pkg.Status.Owning() {
			return key, pkg
		}
	}
	return "", nil
}

// CopyTo writes the current on-disk catalog bytes to path. Snapshots
// use it so rollback can restore the exact pre-transaction file.
func (s *Store) CopyTo(path string) error {
	lock, err := lockfile.TryAcquire(s.lockPath, false)
	if err != nil {
		return err
	}
	defer lock.Release()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: reading catalog: %v", ErrIO, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("%w: writing catalog copy: %v", ErrIO, err)
	}
	return nil
}

// RestoreFrom atomically replaces the live catalog with the snapshot
// at path and reloads. The snapshot must itself be a valid catalog.
func (s *Store) RestoreFrom(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockfile.Acquire(ctx, s.lockPath, true)
	if err != nil {
		return err
	}
	defer lock.Release()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading snapshot: %v", ErrIO, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, ".catalog-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrIO, err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(raw); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%w: writing temp file: %v", ErrIO, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%w: syncing temp file: %v", ErrIO, err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: closing temp file: %v", ErrIO, err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: replacing catalog: %v", ErrIO, err)
	}

	s.data = doc
	s.logger.Info("Catalog restored from snapshot", "snapshot", path)
	return nil
}

// candidateLess orders a below b: higher repository priority number,
// lower version, untrusted-before-trusted. The best candidate is the
// maximum under this order.
func candidateLess(a, b *models.Package) bool {
	if a.Source.Priority != b.Source.Priority {
		// lower number = higher priority
		return a.Source.Priority > b.Source.Priority
	}
	av, aerr := a.ParseVersion()
	bv, berr := b.ParseVersion()
	if aerr == nil && berr == nil {
		if c := av.Compare(bv); c != 0 {
			return c < 0
		}
	} else if aerr != nil && berr == nil {
		return true
	} else if aerr == nil && berr != nil {
		return false
	}
	if a.Source.Trusted != b.Source.Trusted {
		return !a.Source.Trusted
	}
	return a.Source.Repository > b.Source.Repository
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
