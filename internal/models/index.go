package models

import (
	"fmt"

	"github.com/raeenos/raepkg/internal/version"
)

// IndexSchema is the repository index schema version this build
// understands. Indexes carrying any other value are rejected.
const IndexSchema = 1

// Index is the wire form of a repository index (index.json).
type Index struct {
	Schema   int            `json:"schema"`
	Name     string         `json:"name"`
	Packages []IndexPackage `json:"packages"`
	SignedBy string         `json:"signed_by,omitempty"`
}

// IndexPackage is one package entry in a repository index.
type IndexPackage struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Depends      []IndexDependency `json:"depends,omitempty"`
	Provides     []IndexDependency `json:"provides,omitempty"`
	Conflicts    []IndexDependency `json:"conflicts,omitempty"`
	Size         int64             `json:"size"`
	SHA256       string            `json:"sha256"`
	Architecture string            `json:"architecture"`
	Signature    string            `json:"signature,omitempty"`

	// Optional fields; raepkgd emits them, older indexes omit them.
	Optional      []IndexDependency `json:"optional,omitempty"`
	Replaces      []IndexDependency `json:"replaces,omitempty"`
	DisplayName   string            `json:"display_name,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	License       string            `json:"license,omitempty"`
	Maintainer    string            `json:"maintainer,omitempty"`
	Homepage      string            `json:"homepage,omitempty"`
	Category      string            `json:"category,omitempty"`
	InstalledSize int64             `json:"installed_size,omitempty"`
	SecurityLevel string            `json:"security_level,omitempty"`
}

// IndexDependency is one constraint in an index entry's dependency
// lists. Op and Version may both be empty for a name-only constraint.
type IndexDependency struct {
	Name    string `json:"name"`
	Op      string `json:"op,omitempty"`
	Version string `json:"version,omitempty"`
}

// Validate checks the index against schema 1.
func (ix *Index) Validate() error {
	if ix.Schema != IndexSchema {
		return fmt.Errorf("unsupported index schema %d (want %d)", ix.Schema, IndexSchema)
	}
	if ix.Name == "" {
		return fmt.Errorf("index missing repository name")
	}
	for i := range ix.Packages {
		p := &ix.Packages[i]
		if err := ValidateName(p.Name); err != nil {
			return fmt.Errorf("package %d: %w", i, err)
		}
		if _, err := version.Parse(p.Version); err != nil {
			return fmt.Errorf("package %s: %w", p.Name, err)
		}
		if err := ValidateChecksum(p.SHA256); err != nil {
			return fmt.Errorf("package %s: %w", p.Name, err)
		}
		if err := ValidateArchitecture(Architecture(p.Architecture)); err != nil {
			return fmt.Errorf("package %s: %w", p.Name, err)
		}
		for _, lst := range [][]IndexDependency{p.Depends, p.Provides, p.Conflicts, p.Optional, p.Replaces} {
			for _, d := range lst {
				if err := validateIndexDependency(d); err != nil {
					return fmt.Errorf("package %s: %w", p.Name, err)
				}
			}
		}
	}
	return nil
}

func validateIndexDependency(d IndexDependency) error {
	if err := ValidateName(d.Name); err != nil {
		return fmt.Errorf("dependency: %w", err)
	}
	if d.Op != "" {
		if _, err := version.ParseOp(d.Op); err != nil {
			return fmt.Errorf("dependency %s: %w", d.Name, err)
		}
	}
	if d.Version != "" {
		if _, err := version.Parse(d.Version); err != nil {
			return fmt.Errorf("dependency %s: %w", d.Name, err)
		}
	}
	return nil
}

// ToPackage converts an index entry into a catalog record carrying the
// given repository's provenance.
func (p *IndexPackage) ToPackage(repo *Repository) *Package {
	pkg := &Package{
		Name:          p.Name,
		DisplayName:   p.DisplayName,
		Summary:       p.Summary,
		Description:   p.Description,
		Homepage:      p.Homepage,
		License:       p.License,
		Maintainer:    p.Maintainer,
		Category:      p.Category,
		Version:       p.Version,
		Architecture:  Architecture(p.Architecture),
		InstalledSize: p.InstalledSize,
		DownloadSize:  p.Size,
		Checksum:      p.SHA256,
		Signature:     p.Signature,
		SecurityLevel: SecurityLevel(p.SecurityLevel),
		Status:        StatusNotInstalled,
		Source: Provenance{
			Repository: repo.Name,
			URL:        repo.URL,
			Priority:   repo.Priority,
			Trusted:    repo.Trusted,
		},
	}
	pkg.Dependencies = appendDeps(pkg.Dependencies, p.Depends, KindRequired)
	pkg.Dependencies = appendDeps(pkg.Dependencies, p.Optional, KindOptional)
	pkg.Dependencies = appendDeps(pkg.Dependencies, p.Conflicts, KindConflicts)
	pkg.Dependencies = appendDeps(pkg.Dependencies, p.Provides, KindProvides)
	pkg.Dependencies = appendDeps(pkg.Dependencies, p.Replaces, KindReplaces)
	return pkg
}

func appendDeps(dst []Dependency, src []IndexDependency, kind DependencyKind) []Dependency {
	for _, d := range src {
		dst = append(dst, Dependency{
			Name:    d.Name,
			Op:      version.Op(d.Op),
			Version: d.Version,
			Kind:    kind,
		})
	}
	return dst
}

// IndexEntryFor builds the index entry for a package record. Used by
// raepkgd when generating a repository index.
func IndexEntryFor(pkg *Package) IndexPackage {
	e := IndexPackage{
		Name:          pkg.Name,
		Version:       pkg.Version,
		Description:   pkg.Description,
		Size:          pkg.DownloadSize,
		SHA256:        pkg.Checksum,
		Architecture:  string(pkg.Architecture),
		Signature:     pkg.Signature,
		DisplayName:   pkg.DisplayName,
		Summary:       pkg.Summary,
		License:       pkg.License,
		Maintainer:    pkg.Maintainer,
		Homepage:      pkg.Homepage,
		Category:      pkg.Category,
		InstalledSize: pkg.InstalledSize,
		SecurityLevel: string(pkg.SecurityLevel),
	}
	for _, d := range pkg.Dependencies {
		wire := IndexDependency{Name: d.Name, Op: string(d.Op), Version: d.Version}
		switch d.Kind {
		case KindRequired:
			e.Depends = append(e.Depends, wire)
		case KindOptional:
			e.Optional = append(e.Optional, wire)
		case KindConflicts:
			e.Conflicts = append(e.Conflicts, wire)
		case KindProvides:
			e.Provides = append(e.Provides, wire)
		case KindReplaces:
			e.Replaces = append(e.Replaces, wire)
		}
	}
	return e
}
