// Package repo manages configured repositories and keeps the catalog in
// step with their published indexes.
//
// Each repository lives in its own YAML file under <config>/repos.d/. The
// Syncer fetches index.json from each enabled repository (or its mirrors),
// verifies the index signature, and replaces that repository's slice of the
// catalog in one write.
package repo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raeenos/raepkg/internal/models"
)

// ErrNotFound indicates a repository name with no repos.d file.
var ErrNotFound = errors.New("repository not found")

// ErrExists indicates an Add for a name that is already configured.
var ErrExists = errors.New("repository already exists")

// Manager reads and writes repository definitions under repos.d.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates a manager rooted at dir. The directory is created on
// the first write.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{dir: dir, logger: logger}
}

// List returns all configured repositories ordered by priority, ties broken
// by the order they were added. A missing repos.d directory is an empty
// list.
func (m *Manager) List() ([]*models.Repository, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read repos.d: %w", err)
	}

	var repos []*models.Repository
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		repo, err := m.readFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}

	Order(repos)
	return repos, nil
}

// Enabled returns the enabled repositories in sync order.
func (m *Manager) Enabled() ([]*models.Repository, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

// Get returns one repository by name.
func (m *Manager) Get(name string) (*models.Repository, error) {
	repo, err := m.readFile(m.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return repo, nil
}

// Add writes a new repository definition. The position counter makes
// equal-priority repositories sync in the order they were added.
func (m *Manager) Add(repo *models.Repository) error {
	if err := models.ValidateRepository(repo); err != nil {
		return err
	}
	if _, err := os.Stat(m.path(repo.Name)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, repo.Name)
	}

	all, err := m.List()
	if err != nil {
		return err
	}
	maxPos := -1
	for _, r := range all {
		if r.Position > maxPos {
			maxPos = r.Position
		}
	}
	repo.Position = maxPos + 1

	if err := m.writeFile(repo); err != nil {
		return err
	}
	m.logger.Info("Repository added",
		"repository", repo.Name,
		"url", repo.URL,
		"priority", repo.Priority)
	return nil
}

// Update rewrites an existing repository definition.
func (m *Manager) Update(repo *models.Repository) error {
	if err := models.ValidateRepository(repo); err != nil {
		return err
	}
	if _, err := os.Stat(m.path(repo.Name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, repo.Name)
		}
		return fmt.Errorf("failed to stat repository file: %w", err)
	}
	return m.writeFile(repo)
}

// Remove deletes a repository definition.
func (m *Manager) Remove(name string) error {
	if err := os.Remove(m.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to remove repository file: %w", err)
	}
	m.logger.Info("Repository removed", "repository", name)
	return nil
}

// SetEnabled flips the enabled flag.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	repo, err := m.Get(name)
	if err != nil {
		return err
	}
	repo.Enabled = enabled
	return m.writeFile(repo)
}

// SetPriority changes the priority. Position is untouched, so equal
// priorities still tie-break by insertion order.
func (m *Manager) SetPriority(name string, priority int) error {
	repo, err := m.Get(name)
	if err != nil {
		return err
	}
	repo.Priority = priority
	if err := models.ValidateRepository(repo); err != nil {
		return err
	}
	return m.writeFile(repo)
}

// RecordSync stores the last successful sync time and package count.
func (m *Manager) RecordSync(name string, at time.Time, packages int) error {
	repo, err := m.Get(name)
	if err != nil {
		return err
	}
	repo.LastSync = at
	repo.Packages = packages
	return m.writeFile(repo)
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".yaml")
}

func (m *Manager) readFile(path string) (*models.Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var repo models.Repository
	if err := yaml.Unmarshal(data, &repo); err != nil {
		return nil, fmt.Errorf("failed to parse repository file %s (invalid YAML syntax): %w", path, err)
	}
	if repo.Name == "" {
		repo.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	return &repo, nil
}

func (m *Manager) writeFile(repo *models.Repository) (err error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create repos.d: %w", err)
	}

	data, err := yaml.Marshal(repo)
	if err != nil {
		return fmt.Errorf("failed to encode repository: %w", err)
	}

	tempFile, err := os.CreateTemp(m.dir, ".repo-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write repository file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync repository file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close repository file: %w", err)
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, m.path(repo.Name)); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to move repository file into place: %w", err)
	}
	return nil
}

// Order sorts repositories by priority (lower first), ties by the order
// they were added.
func Order(repos []*models.Repository) {
	sort.SliceStable(repos, func(i, j int) bool {
		if repos[i].Priority != repos[j].Priority {
			return repos[i].Priority < repos[j].Priority
		}
		return repos[i].Position < repos[j].Position
	})
}
