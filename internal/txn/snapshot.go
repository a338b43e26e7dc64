package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/catalog"
)

const (
	snapshotDirName  = "snapshot"
	snapshotManifest = "snapshot.json"
	snapshotCatalog  = "catalog.db"
	snapshotBlobs    = "blobs"
)

// snapshotEntry records the pre-transaction state of one path under the
// install root: either the content to put back or the fact that nothing
// existed there.
type snapshotEntry struct {
	Path   string `json:"path"`
	Absent bool   `json:"absent,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Mode   uint32 `json:"mode,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

type snapshotDoc struct {
	ID      string          `json:"id"`
	TxnID   uint64          `json:"txn_id"`
	Created time.Time       `json:"created"`
	Root    string          `json:"root"`
	Entries []snapshotEntry `json:"entries"`

	// Dirs lists directories that did not exist before the transaction;
	// restore removes them again (deepest first) when they end up empty.
	Dirs []string `json:"created_dirs,omitempty"`
}

// snapshot is a recoverable copy of every file a plan will touch, plus the
// catalog. Blobs are content-addressed, so identical files share storage.
type snapshot struct {
	dir string
	doc snapshotDoc
}

// snapshotID derives the snapshot name from its creation time and owning
// transaction.
func snapshotID(txnID uint64, at time.Time) string {
	return fmt.Sprintf("snapshot_%d_%d", at.Unix(), txnID)
}

// createSnapshot captures the current state of paths (relative to root,
// slash-separated, in plan order) and the catalog. The capture is complete
// or the directory is removed; a half-written snapshot never survives.
func createSnapshot(dir, root string, txnID uint64, paths []string, store *catalog.Store) (*snapshot, error) {
	now := time.Now()
	s := &snapshot{
		dir: dir,
		doc: snapshotDoc{
			ID:      snapshotID(txnID, now),
			TxnID:   txnID,
			Created: now,
			Root:    root,
		},
	}

	if err := os.MkdirAll(filepath.Join(dir, snapshotBlobs), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := s.capture(root, paths); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := store.CopyTo(s.catalogPath()); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("copying catalog into snapshot: %w", err)
	}
	if err := s.saveManifest(); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return s, nil
}

// openSnapshot loads an existing snapshot's manifest.
func openSnapshot(dir string) (*snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshotManifest))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot manifest: %w", err)
	}
	s := &snapshot{dir: dir}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("snapshot manifest is corrupt: %w", err)
	}
	return s, nil
}

func (s *snapshot) id() string          { return s.doc.ID }
func (s *snapshot) catalogPath() string { return filepath.Join(s.dir, snapshotCatalog) }

func (s *snapshot) capture(root string, paths []string) error {
	seen := make(map[string]bool, len(paths))
	for _, rel := range paths {
		rel = strings.TrimSuffix(rel, "/")
		if rel == "" || seen[rel] {
			continue
		}
		seen[rel] = true

		target := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Lstat(target)
		if os.IsNotExist(err) {
			s.doc.Entries = append(s.doc.Entries, snapshotEntry{Path: rel, Absent: true})
			s.recordMissingParents(root, rel)
			continue
		}
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", rel, err)
		}
		if info.IsDir() {
			// directories are recreated by extraction; only files carry state
			continue
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("refusing to snapshot %s: not a regular file", rel)
		}

		sum, err := s.storeBlob(target)
		if err != nil {
			return err
		}
		s.doc.Entries = append(s.doc.Entries, snapshotEntry{
			Path:   rel,
			SHA256: sum,
			Mode:   uint32(info.Mode().Perm()),
			Size:   info.Size(),
		})
	}
	return nil
}

// recordMissingParents notes every ancestor directory of rel that does not
// exist yet, so restore can take them away again.
func (s *snapshot) recordMissingParents(root, rel string) {
	for parent := path.Dir(rel); parent != "." && parent != "/"; parent = path.Dir(parent) {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(parent))); err == nil {
			break
		}
		if !contains(s.doc.Dirs, parent) {
			s.doc.Dirs = append(s.doc.Dirs, parent)
		}
	}
}

// storeBlob copies target into the content-addressed blob store and
// returns its checksum.
func (s *snapshot) storeBlob(target string) (string, error) {
	sum, err := archive.HashFile(target)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", target, err)
	}
	blobPath := s.blobPath(sum)
	if _, err := os.Stat(blobPath); err == nil {
		return sum, nil
	}

	if err := copyFile(target, blobPath, 0o600); err != nil {
		return "", fmt.Errorf("copying %s into snapshot: %w", target, err)
	}
	return sum, nil
}

func (s *snapshot) blobPath(sum string) string {
	return filepath.Join(s.dir, snapshotBlobs, strings.TrimPrefix(sum, "sha256:"))
}

func (s *snapshot) saveManifest() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot manifest: %w", err)
	}
	tempFile, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("writing snapshot manifest: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("writing snapshot manifest: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot manifest: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing snapshot manifest: %w", err)
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, filepath.Join(s.dir, snapshotManifest)); err != nil {
		os.Remove(name)
		return fmt.Errorf("replacing snapshot manifest: %w", err)
	}
	return nil
}

// refreshCatalog re-copies the live catalog into the snapshot. Commit does
// this under the commit lock so rollback restores the exact pre-commit
// catalog even when other transactions committed since prepare.
func (s *snapshot) refreshCatalog(store *catalog.Store) error {
	if err := store.CopyTo(s.catalogPath()); err != nil {
		return fmt.Errorf("refreshing snapshot catalog: %w", err)
	}
	return nil
}

// restore puts every captured path back, newest capture first, removes
// directories the transaction created, and restores the catalog.
func (s *snapshot) restore(ctx context.Context, store *catalog.Store) error {
	for i := len(s.doc.Entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rollback cancelled: %w", err)
		}
		entry := s.doc.Entries[i]
		target := filepath.Join(s.doc.Root, filepath.FromSlash(entry.Path))

		if entry.Absent {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", entry.Path, err)
			}
			continue
		}
		if err := s.restoreFile(entry, target); err != nil {
			return err
		}
	}

	// deepest first so nested created directories unwind cleanly
	dirs := append([]string(nil), s.doc.Dirs...)
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		// only if empty; the directory may hold unrelated files by now
		_ = os.Remove(filepath.Join(s.doc.Root, filepath.FromSlash(dir)))
	}

	if err := store.RestoreFrom(ctx, s.catalogPath()); err != nil {
		return fmt.Errorf("restoring catalog: %w", err)
	}
	return nil
}

func (s *snapshot) restoreFile(entry snapshotEntry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("recreating parent of %s: %w", entry.Path, err)
	}
	if err := copyFile(s.blobPath(entry.SHA256), target, os.FileMode(entry.Mode)&0o777); err != nil {
		return fmt.Errorf("restoring %s: %w", entry.Path, err)
	}
	return nil
}

// delete removes the snapshot directory entirely.
func (s *snapshot) delete() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// copyFile writes src's contents to dst atomically: temp file in dst's
// directory, fsync, rename.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tempFile, err := os.CreateTemp(filepath.Dir(dst), ".restore-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := io.Copy(tempFile, in); err != nil {
		return err
	}
	if err := tempFile.Chmod(mode); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
