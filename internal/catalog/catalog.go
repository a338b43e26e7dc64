// Package catalog implements the durable package catalog: every known
// (name, version, repository) tuple plus the installed set. Writes are
// atomic (temp file + rename) and serialized across processes with an
// advisory file lock; a crash never leaves a half-written catalog.
package catalog

import (
	"errors"
	"path"

	"github.com/raeenos/raepkg/internal/models"
)

// Schema is the catalog file schema this build reads and writes.
// Any other value on disk means the catalog is not ours to touch.
const Schema = 1

var (
	// ErrNotFound is returned when a package is not in the catalog.
	ErrNotFound = errors.New("package not found")

	// ErrCorrupt is returned when the on-disk catalog fails schema
	// validation. Fatal: callers refuse to start and never auto-repair.
	ErrCorrupt = errors.New("catalog is corrupt")

	// ErrIO wraps storage faults underneath the catalog.
	ErrIO = errors.New("catalog storage error")
)

// document is the on-disk catalog form.
type document struct {
	Schema   int                        `json:"schema"`
	Packages map[string]*models.Package `json:"packages"`
}

func newDocument() *document {
	return &document{
		Schema:   Schema,
		Packages: make(map[string]*models.Package),
	}
}

// Filter selects catalog entries for List. Zero value matches
// everything.
type Filter struct {
	NameGlob      string
	Description   string
	Category      string
	Architecture  models.Architecture
	Status        models.Status
	InstalledOnly bool
	AvailableOnly bool
}

func (f Filter) matches(p *models.Package) bool {
	if f.NameGlob != "" {
		ok, err := path.Match(f.NameGlob, p.Name)
		if err != nil || !ok {
			return false
		}
	}
	if f.Description != "" && !containsFold(p.Description, f.Description) &&
		!containsFold(p.Summary, f.Description) {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Architecture != "" && p.Architecture != f.Architecture {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.InstalledOnly && !p.Status.Owning() {
		return false
	}
	if f.AvailableOnly && p.Status.Owning() {
		return false
	}
	return true
}
