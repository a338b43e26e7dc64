package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/models"
)

const (
	// IndexFile and IndexSigFile are the published index names, relative to
	// the repository root.
	IndexFile    = "index.json"
	IndexSigFile = "index.json.sig"

	// ArchiveSubdir holds the package archives under the repository root.
	ArchiveSubdir = "archives"
)

// archiveNamePattern matches content-addressed archive names. It doubles as
// the path-traversal gate: nothing else reaches the filesystem.
var archiveNamePattern = regexp.MustCompile(`^[a-f0-9]{64}\.pkg$`)

// cachedFile is one lazily loaded repository file, invalidated by modtime.
type cachedFile struct {
	data []byte
	mod  time.Time
}

// Dir is a repository root on disk. Reads are safe for concurrent use; the
// index bytes are cached and reloaded when the file changes, so an index
// regenerated behind the daemon's back is picked up without a restart.
type Dir struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	index cachedFile
	sig   cachedFile
}

// Open validates the repository root and returns a Dir over it. A missing
// index is not an error here; serving reports it per request, so the daemon
// can start before the first Generate run.
func Open(root string, logger *slog.Logger) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", abs)
	}
	return &Dir{root: abs, logger: logger}, nil
}

// Root returns the absolute repository root.
func (d *Dir) Root() string {
	return d.root
}

// Index returns the raw index.json bytes. Serving the bytes untouched keeps
// the detached signature valid end to end.
func (d *Dir) Index() ([]byte, error) {
	return d.read(IndexFile, &d.index)
}

// IndexSignature returns the raw index.json.sig bytes. An unsigned
// repository returns ErrNotFound.
func (d *Dir) IndexSignature() ([]byte, error) {
	return d.read(IndexSigFile, &d.sig)
}

// read loads a repository file through its cache slot.
func (d *Dir) read(name string, slot *cachedFile) ([]byte, error) {
	path := filepath.Join(d.root, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if slot.data != nil && info.ModTime().Equal(slot.mod) {
		return slot.data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	slot.data = data
	slot.mod = info.ModTime()
	d.logger.Debug("Repository file loaded", "file", name, "bytes", len(data))
	return data, nil
}

// ArchivePath validates a content-addressed archive name and returns its
// path under archives/.
func (d *Dir) ArchivePath(name string) (string, error) {
	if !archiveNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrBadArchiveName, name)
	}
	path := filepath.Join(d.root, ArchiveSubdir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to stat archive %s: %w", name, err)
	}
	return path, nil
}

// Summary is the published state of a repository, for health reporting.
type Summary struct {
	HasIndex bool `json:"has_index"`
	Signed   bool `json:"signed"`
	Packages int  `json:"packages"`
	Archives int  `json:"archives"`
}

// Summarize inspects the repository root. A missing index leaves HasIndex
// false; a present but malformed one is an error.
func (d *Dir) Summarize() (Summary, error) {
	var s Summary

	data, err := d.Index()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return s, err
	default:
		var ix models.Index
		if err := json.Unmarshal(data, &ix); err != nil {
			return s, fmt.Errorf("malformed index: %w", err)
		}
		s.HasIndex = true
		s.Packages = len(ix.Packages)
	}

	if _, err := d.IndexSignature(); err == nil {
		s.Signed = true
	} else if !errors.Is(err, ErrNotFound) {
		return s, err
	}

	entries, err := os.ReadDir(filepath.Join(d.root, ArchiveSubdir))
	if err != nil && !os.IsNotExist(err) {
		return s, fmt.Errorf("failed to scan archives: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), archive.Extension) {
			s.Archives++
		}
	}
	return s, nil
}
