package resolver

import (
	"sort"

	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/version"
)

// ReverseDependencies returns the installed packages that require name,
// directly or through one of its provides edges, sorted by name.
func (r *Resolver) ReverseDependencies(name string) []*models.Package {
	owner, ownerErr := r.store.InstalledOwner(name)

	var out []*models.Package
	for _, pkg := range r.store.Installed() {
		if pkg.Name == name {
			continue
		}
		for _, edge := range pkg.DependenciesOf(models.KindRequired) {
			match := edge.Name == name
			if !match && ownerErr == nil {
				_, match = owner.Provides(edge.Name)
			}
			if match {
				out = append(out, pkg)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Orphans returns installed packages that were pulled in as dependencies
// and are no longer required by anything installed. Removing an orphan can
// orphan its own dependencies, so the set is computed to a fixed point.
func (r *Resolver) Orphans() []*models.Package {
	remaining := make(map[string]*models.Package)
	for _, pkg := range r.store.Installed() {
		remaining[pkg.Name] = pkg
	}

	var orphans []*models.Package
	for {
		var found *models.Package
		for _, name := range sortedNames(remaining) {
			pkg := remaining[name]
			if pkg.InstallReason != models.ReasonDependency {
				continue
			}
			if pkg.Status == models.StatusHeld {
				continue
			}
			if !requiredByAny(pkg, remaining) {
				found = pkg
				break
			}
		}
		if found == nil {
			return orphans
		}
		orphans = append(orphans, found)
		delete(remaining, found.Name)
	}
}

// requiredByAny reports whether any other package in the set has a
// required edge satisfied by pkg.
func requiredByAny(pkg *models.Package, set map[string]*models.Package) bool {
	for _, other := range set {
		if other.Name == pkg.Name {
			continue
		}
		for _, edge := range other.DependenciesOf(models.KindRequired) {
			provided, ok := pkg.Provides(edge.Name)
			if !ok {
				continue
			}
			if edge.Unbounded() {
				return true
			}
			v, err := version.Parse(provided)
			if err != nil {
				continue
			}
			if sat, err := edge.SatisfiedBy(v); err == nil && sat {
				return true
			}
		}
	}
	return false
}

// CheckUpdates reports, for each installed package, the version an upgrade
// would select: the best candidate ranked by repository priority whose
// version exceeds the installed one. Held packages are reported too;
// upgrading them is the caller's refusal to make. Candidates published
// under the security category mark their row as a security update.
func (r *Resolver) CheckUpdates() []models.UpdateInfo {
	var updates []models.UpdateInfo
	for _, pkg := range r.store.Installed() {
		if pkg.Status == models.StatusBroken {
			continue
		}
		current, err := pkg.ParseVersion()
		if err != nil {
			continue
		}

		for _, cand := range r.store.Entries(pkg.Name) {
			if !cand.Architecture.CompatibleWith(r.opts.Arch) {
				continue
			}
			candV, err := cand.ParseVersion()
			if err != nil {
				continue
			}
			if !current.Less(candV) {
				continue
			}
			updates = append(updates, models.UpdateInfo{
				Name:            pkg.Name,
				Current:         pkg.Version,
				Available:       cand.Version,
				Repository:      cand.Source.Repository,
				SecurityUpdate:  cand.Category == "security",
				BreakingChanges: candV.Major != current.Major,
			})
			break
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Name < updates[j].Name })
	return updates
}

// Verify re-runs resolution over the installed set and reports the
// packages whose required edges are no longer satisfied, keyed by name.
func (r *Resolver) Verify() map[string][]models.Dependency {
	installed := make(map[string]*models.Package)
	for _, pkg := range r.store.Installed() {
		installed[pkg.Name] = pkg
	}

	broken := make(map[string][]models.Dependency)
	for _, name := range sortedNames(installed) {
		pkg := installed[name]
		for _, edge := range pkg.DependenciesOf(models.KindRequired) {
			if !edgeSatisfiedBySet(edge, installed) {
				broken[name] = append(broken[name], edge)
			}
		}
	}
	return broken
}

func edgeSatisfiedBySet(edge models.Dependency, set map[string]*models.Package) bool {
	for _, pkg := range set {
		provided, ok := pkg.Provides(edge.Name)
		if !ok {
			continue
		}
		if edge.Unbounded() {
			return true
		}
		v, err := version.Parse(provided)
		if err != nil {
			continue
		}
		if sat, err := edge.SatisfiedBy(v); err == nil && sat {
			return true
		}
	}
	return false
}

func sortedNames(set map[string]*models.Package) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
