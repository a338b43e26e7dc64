package models

import (
	"fmt"
	"runtime"
	"time"

	"github.com/raeenos/raepkg/internal/version"
)

// Architecture identifies the CPU family a package is built for.
type Architecture string

const (
	ArchX8664     Architecture = "x86_64"
	ArchARM64     Architecture = "arm64"
	ArchX86       Architecture = "x86"
	ArchUniversal Architecture = "universal"
)

// HostArchitecture maps the running process's architecture onto the
// package architecture vocabulary.
func HostArchitecture() Architecture {
	switch runtime.GOARCH {
	case "amd64":
		return ArchX8664
	case "arm64":
		return ArchARM64
	case "386":
		return ArchX86
	}
	return ArchUniversal
}

// CompatibleWith reports whether a package built for a runs on host.
func (a Architecture) CompatibleWith(host Architecture) bool {
	return a == host || a == ArchUniversal
}

// Status is the lifecycle state of a package in the catalog.
type Status string

const (
	StatusNotInstalled   Status = "not-installed"
	StatusInstalled      Status = "installed"
	StatusPendingInstall Status = "pending-install"
	StatusPendingUpdate  Status = "pending-update"
	StatusPendingRemoval Status = "pending-removal"
	StatusBroken         Status = "broken"
	StatusHeld           Status = "held"
)

// Owning reports whether the status claims the package's name locally:
// the package's files are on disk. At most one catalog entry per name
// may hold an owning status. Held packages are installed packages
// pinned against upgrades, so they own their name too.
func (s Status) Owning() bool {
	return s == StatusInstalled || s == StatusBroken || s == StatusHeld
}

// DependencyKind classifies a dependency relation.
type DependencyKind string

const (
	KindRequired  DependencyKind = "required"
	KindOptional  DependencyKind = "optional"
	KindConflicts DependencyKind = "conflicts"
	KindProvides  DependencyKind = "provides"
	KindReplaces  DependencyKind = "replaces"
)

// InstallReason records why a package is on the system.
type InstallReason string

const (
	ReasonExplicit   InstallReason = "explicit"
	ReasonDependency InstallReason = "dependency"
)

// SecurityLevel records how strongly an installed package was verified.
type SecurityLevel string

const (
	SecurityNone              SecurityLevel = "none"
	SecurityChecksum          SecurityLevel = "checksum"
	SecuritySigned            SecurityLevel = "signed"
	SecurityVerifiedPublisher SecurityLevel = "verified-publisher"
)

// Dependency is one constraint edge of a package. An empty Version with
// an empty Op means any version of Name satisfies the edge.
type Dependency struct {
	Name    string         `json:"name"`
	Op      version.Op     `json:"op,omitempty"`
	Version string         `json:"version,omitempty"`
	Kind    DependencyKind `json:"kind"`
}

// Unbounded reports whether the dependency names a package without a
// version constraint.
func (d Dependency) Unbounded() bool { return d.Version == "" }

// SatisfiedBy reports whether candidate version v satisfies the edge.
func (d Dependency) SatisfiedBy(v version.Version) (bool, error) {
	if d.Unbounded() {
		return true, nil
	}
	bound, err := version.Parse(d.Version)
	if err != nil {
		return false, fmt.Errorf("dependency %s: %w", d.Name, err)
	}
	op := d.Op
	if op == "" {
		op = version.OpEQ
	}
	return v.Satisfies(op, bound), nil
}

func (d Dependency) String() string {
	if d.Unbounded() {
		return d.Name
	}
	return fmt.Sprintf("%s %s %s", d.Name, d.Op, d.Version)
}

// FileEntry is one row of a package's file manifest.
type FileEntry struct {
	Path   string `json:"path"`
	Mode   uint32 `json:"mode"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Provenance names the repository a catalog entry came from.
type Provenance struct {
	Repository string `json:"repository"`
	URL        string `json:"url,omitempty"`
	Priority   int    `json:"priority"`
	Trusted    bool   `json:"trusted,omitempty"`
}

// Package is the metadata record for one (name, version, repository)
// tuple in the catalog.
type Package struct {
	Name            string        `json:"name"`
	DisplayName     string        `json:"display_name,omitempty"`
	Summary         string        `json:"summary,omitempty"`
	Description     string        `json:"description,omitempty"`
	Homepage        string        `json:"homepage,omitempty"`
	License         string        `json:"license,omitempty"`
	Maintainer      string        `json:"maintainer,omitempty"`
	MaintainerEmail string        `json:"maintainer_email,omitempty"`
	PublisherID     string        `json:"publisher_id,omitempty"`
	Category        string        `json:"category,omitempty"`
	Version         string        `json:"version"`
	Architecture    Architecture  `json:"architecture"`
	Dependencies    []Dependency  `json:"depends,omitempty"`
	InstalledSize   int64         `json:"installed_size,omitempty"`
	DownloadSize    int64         `json:"download_size,omitempty"`
	Checksum        string        `json:"sha256,omitempty"`
	Signature       string        `json:"signature,omitempty"`
	SecurityLevel   SecurityLevel `json:"security_level,omitempty"`
	Status          Status        `json:"status"`
	InstallReason   InstallReason `json:"install_reason,omitempty"`
	Files           []FileEntry   `json:"files,omitempty"`
	InstallPath     string        `json:"install_path,omitempty"`
	InstallTime     time.Time     `json:"install_time"`
	LastUpdate      time.Time     `json:"last_update"`
	Source          Provenance    `json:"source"`
}

// NewPackage creates a not-installed package record.
func NewPackage(name, ver string, arch Architecture) *Package {
	return &Package{
		Name:         name,
		Version:      ver,
		Architecture: arch,
		Status:       StatusNotInstalled,
	}
}

// Key identifies the catalog entry: name, version, and source
// repository together.
func (p *Package) Key() string {
	return p.Name + "@" + p.Version + "@" + p.Source.Repository
}

// ParseVersion parses the package's version string.
func (p *Package) ParseVersion() (version.Version, error) {
	return version.Parse(p.Version)
}

// DependenciesOf returns the package's dependencies of one kind.
func (p *Package) DependenciesOf(kind DependencyKind) []Dependency {
	var out []Dependency
	for _, d := range p.Dependencies {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Provides reports whether the package declares a provides edge for
// name, and the version it provides it at (empty means the package's
// own version).
func (p *Package) Provides(name string) (string, bool) {
	if p.Name == name {
		return p.Version, true
	}
	for _, d := range p.Dependencies {
		if d.Kind == KindProvides && d.Name == name {
			if d.Version != "" {
				return d.Version, true
			}
			return p.Version, true
		}
	}
	return "", false
}

// Clone returns a deep copy. The catalog owns its records; accessors
// hand out clones so callers can never mutate the store through a
// returned pointer.
func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	out := *p
	if p.Dependencies != nil {
		out.Dependencies = make([]Dependency, len(p.Dependencies))
		copy(out.Dependencies, p.Dependencies)
	}
	if p.Files != nil {
		out.Files = make([]FileEntry, len(p.Files))
		copy(out.Files, p.Files)
	}
	return &out
}

// Repository describes one package source.
type Repository struct {
	Name        string    `yaml:"name" json:"name"`
	URL         string    `yaml:"url" json:"url"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool      `yaml:"enabled" json:"enabled"`
	Trusted     bool      `yaml:"trusted" json:"trusted"`
	Priority    int       `yaml:"priority" json:"priority"`
	KeyID       string    `yaml:"key_id,omitempty" json:"key_id,omitempty"`
	Mirrors     []string  `yaml:"mirrors,omitempty" json:"mirrors,omitempty"`
	LastSync    time.Time `yaml:"last_sync,omitempty" json:"last_sync,omitempty"`
	Packages    int       `yaml:"packages,omitempty" json:"packages,omitempty"`

	// Position is the insertion index, recorded so equal priorities
	// resolve in declaration order.
	Position int `yaml:"position" json:"position"`
}

// NewRepository creates an enabled, untrusted repository.
func NewRepository(name, url string, priority int) *Repository {
	return &Repository{
		Name:     name,
		URL:      url,
		Enabled:  true,
		Priority: priority,
	}
}

// URLs returns the base URL followed by mirrors, in failover order.
func (r *Repository) URLs() []string {
	out := make([]string, 0, 1+len(r.Mirrors))
	out = append(out, r.URL)
	out = append(out, r.Mirrors...)
	return out
}

// Clone returns a deep copy of the repository record.
func (r *Repository) Clone() *Repository {
	if r == nil {
		return nil
	}
	out := *r
	if r.Mirrors != nil {
		out.Mirrors = make([]string, len(r.Mirrors))
		copy(out.Mirrors, r.Mirrors)
	}
	return &out
}

// UpdateInfo is one row of an update check: an installed package and
// the best candidate that would replace it.
type UpdateInfo struct {
	Name            string `json:"name"`
	Current         string `json:"current"`
	Available       string `json:"available"`
	Repository      string `json:"repository"`
	SecurityUpdate  bool   `json:"security_update,omitempty"`
	BreakingChanges bool   `json:"breaking_changes,omitempty"`
	Changelog       string `json:"changelog,omitempty"`
}
