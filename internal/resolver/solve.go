package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/version"
)

// choice is one tentative candidate selection.
type choice struct {
	pkg    *models.Package
	chain  string
	reason models.InstallReason

	// replaces is the installed owner this choice supersedes, nil for a
	// fresh install.
	replaces *models.Package
}

type solver struct {
	r *Resolver

	installed map[string]*models.Package // current owners by name
	chosen    map[string]*choice         // tentative installs by name
	log       []string                   // choice order, for rewind and determinism
	removals  map[string]*models.Package // explicit removals by name
	tried     map[string]bool            // name@version already attempted
	requested map[string]bool            // names the caller asked for by name
}

func newSolver(r *Resolver) *solver {
	s := &solver{
		r:         r,
		installed: make(map[string]*models.Package),
		chosen:    make(map[string]*choice),
		removals:  make(map[string]*models.Package),
		tried:     make(map[string]bool),
		requested: make(map[string]bool),
	}
	for _, pkg := range r.store.Installed() {
		s.installed[pkg.Name] = pkg
	}
	return s
}

func (s *solver) solve(requests []Request) error {
	for _, req := range requests {
		if req.Action == ActionInstall {
			s.requested[req.Name] = true
		}
	}

	// removals first so install resolution sees what is going away
	for _, req := range requests {
		if req.Action != ActionRemove {
			continue
		}
		owner, ok := s.installed[req.Name]
		if !ok {
			return fmt.Errorf("%w: %s is not installed", catalog.ErrNotFound, req.Name)
		}
		s.removals[req.Name] = owner
	}

	for _, req := range requests {
		if req.Action != ActionInstall {
			continue
		}
		if err := s.require(req.Constraint(), nil, req.Downgrade); err != nil {
			return err
		}
	}

	return s.checkDependents()
}

// require satisfies one dependency edge, choosing and recursing as needed.
// chain is the dependency path that led here, nil for a direct request.
func (s *solver) require(dep models.Dependency, chain []string, downgradeOK bool) error {
	if _, ok := s.removals[dep.Name]; ok {
		return s.unresolvable(dep, chain, "the package is scheduled for removal in this transaction")
	}

	if ch, ok := s.chosen[dep.Name]; ok {
		sat, err := s.satisfies(dep, ch.pkg.Version)
		if err != nil {
			return err
		}
		if sat {
			if len(chain) == 0 {
				ch.reason = models.ReasonExplicit
			}
			return nil
		}
		return s.unresolvable(dep, chain, fmt.Sprintf("%s %s is already planned and does not satisfy it", ch.pkg.Name, ch.pkg.Version))
	}

	if owner, ok := s.installed[dep.Name]; ok {
		sat, err := s.satisfies(dep, owner.Version)
		if err != nil {
			return err
		}
		if sat {
			return nil
		}
	}

	if s.providedVirtually(dep) {
		return nil
	}

	candidates := s.candidates(dep)
	if len(candidates) == 0 {
		if len(s.r.store.Entries(dep.Name)) == 0 {
			if len(chain) == 0 {
				return fmt.Errorf("%w: %s", catalog.ErrNotFound, dep.Name)
			}
			return s.unresolvable(dep, chain, "not found in any repository")
		}
		return s.unresolvable(dep, chain, "no available version satisfies the constraint")
	}

	var lastReason string
	var conflictErr error
	for _, cand := range candidates {
		tkey := cand.Name + "@" + cand.Version
		if s.tried[tkey] {
			continue
		}
		s.tried[tkey] = true

		if reason := s.reject(cand, downgradeOK); reason != "" {
			lastReason = reason
			continue
		}

		if other := s.conflictingWith(cand); other != nil {
			lastReason = fmt.Sprintf("conflicts with %s %s", other.Name, other.Version)
			conflictErr = fmt.Errorf("%w: %s %s conflicts with %s %s",
				ErrConflict, cand.Name, cand.Version, other.Name, other.Version)
			continue
		}

		if dependent, edge := s.breaksDependent(cand); dependent != nil {
			lastReason = fmt.Sprintf("version %s breaks installed %s (requires %s)", cand.Version, dependent.Name, edge)
			continue
		}

		mark := s.choose(dep.Name, cand, chain)
		if err := s.requireDeps(cand, chain); err == nil {
			return nil
		} else if reason, backtrack := backtrackReason(err); backtrack {
			lastReason = reason
			s.rewind(mark)
			continue
		} else {
			return err
		}
	}

	if conflictErr != nil {
		return conflictErr
	}
	if lastReason == "" {
		lastReason = "every candidate version was already tried"
	}
	return s.unresolvable(dep, chain, lastReason)
}

// requireDeps resolves a candidate's outgoing edges: required always,
// optional only when the name was itself requested.
func (s *solver) requireDeps(cand *models.Package, chain []string) error {
	link := append(chain, cand.Name+" "+cand.Version)
	for _, dep := range cand.DependenciesOf(models.KindRequired) {
		if err := s.require(dep, link, false); err != nil {
			return err
		}
	}
	for _, dep := range cand.DependenciesOf(models.KindOptional) {
		if !s.requested[dep.Name] {
			continue
		}
		if err := s.require(dep, link, false); err != nil {
			return err
		}
	}
	return nil
}

// backtrackReason reports whether an error from a deeper require call
// should make the caller try its next candidate. Only unresolvable subtrees
// and conflicts backtrack; NotFound and parse failures bubble up unchanged.
func backtrackReason(err error) (string, bool) {
	if errors.Is(err, ErrUnresolvable) || errors.Is(err, ErrConflict) {
		return err.Error(), true
	}
	return "", false
}

// choose records a tentative selection and returns a rewind mark taken
// before the choice.
func (s *solver) choose(name string, cand *models.Package, chain []string) int {
	mark := len(s.log)
	reason := models.ReasonDependency
	if s.requested[name] {
		reason = models.ReasonExplicit
	}
	s.chosen[name] = &choice{
		pkg:      cand,
		chain:    chainLabel(chain),
		reason:   reason,
		replaces: s.installed[name],
	}
	s.log = append(s.log, name)
	return mark
}

// rewind undoes every choice made after mark. Tried versions stay tried:
// no version is attempted twice.
func (s *solver) rewind(mark int) {
	for _, name := range s.log[mark:] {
		delete(s.chosen, name)
	}
	s.log = s.log[:mark]
}

// candidates returns catalog entries for the edge, best first: repository
// priority, then version, then trusted. Entries already come ordered from
// the catalog; this filters by constraint and architecture.
func (s *solver) candidates(dep models.Dependency) []*models.Package {
	var out []*models.Package
	for _, entry := range s.r.store.Entries(dep.Name) {
		if !entry.Architecture.CompatibleWith(s.r.opts.Arch) {
			continue
		}
		v, err := entry.ParseVersion()
		if err != nil {
			continue
		}
		ok, err := dep.SatisfiedBy(v)
		if err != nil || !ok {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// reject filters a candidate on hold and downgrade policy. Empty means
// acceptable.
func (s *solver) reject(cand *models.Package, downgradeOK bool) string {
	owner, ok := s.installed[cand.Name]
	if !ok {
		return ""
	}
	if _, removed := s.removals[cand.Name]; removed {
		return ""
	}
	if owner.Status == models.StatusHeld && owner.Version != cand.Version {
		return fmt.Sprintf("package is held at version %s", owner.Version)
	}

	ownerV, err := version.Parse(owner.Version)
	if err != nil {
		return ""
	}
	candV, err := cand.ParseVersion()
	if err != nil {
		return "unparsable candidate version"
	}
	if candV.Less(ownerV) && !s.r.opts.AllowDowngrades && !downgradeOK {
		return fmt.Sprintf("downgrade from %s to %s refused (allow_downgrades is off)", owner.Version, cand.Version)
	}
	return ""
}

// conflictingWith returns the first installed or planned package the
// candidate cannot coexist with.
func (s *solver) conflictingWith(cand *models.Package) *models.Package {
	for _, name := range s.finalNames() {
		other := s.finalOwner(name)
		if other == nil || other.Name == cand.Name {
			continue
		}
		if packagesConflict(cand, other) {
			return other
		}
	}
	return nil
}

// breaksDependent reports an installed package whose constraint on the
// candidate's name the candidate version would violate. Replacing an owner
// must keep its dependents satisfied.
func (s *solver) breaksDependent(cand *models.Package) (*models.Package, models.Dependency) {
	owner := s.installed[cand.Name]
	if owner == nil || owner.Version == cand.Version {
		return nil, models.Dependency{}
	}
	candV, err := cand.ParseVersion()
	if err != nil {
		return nil, models.Dependency{}
	}

	for _, name := range s.installedNames() {
		dependent := s.installed[name]
		if name == cand.Name || s.removed(name) || s.chosen[name] != nil {
			continue
		}
		for _, edge := range dependent.DependenciesOf(models.KindRequired) {
			if edge.Name != cand.Name {
				continue
			}
			ok, err := edge.SatisfiedBy(candV)
			if err == nil && !ok {
				return dependent, edge
			}
		}
	}
	return nil, models.Dependency{}
}

// checkDependents validates the final state: every remaining installed
// package's required edges must still be satisfied once removals and
// replacements land.
func (s *solver) checkDependents() error {
	for _, name := range s.installedNames() {
		pkg := s.installed[name]
		if s.removed(name) || s.chosen[name] != nil {
			continue
		}
		for _, edge := range pkg.DependenciesOf(models.KindRequired) {
			ok, err := s.satisfiedInFinalState(edge)
			if err != nil {
				return err
			}
			if !ok {
				if removedPkg, wasRemoved := s.removals[edge.Name]; wasRemoved {
					return fmt.Errorf("%w: removing %s %s breaks %s (requires %s)",
						ErrUnresolvable, removedPkg.Name, removedPkg.Version, pkg.Name, edge)
				}
				return fmt.Errorf("%w: %s requires %s, unsatisfied after this transaction",
					ErrUnresolvable, pkg.Name, edge)
			}
		}
	}
	return nil
}

// satisfiedInFinalState checks an edge against the post-transaction owner
// set, including virtual provides.
func (s *solver) satisfiedInFinalState(dep models.Dependency) (bool, error) {
	for _, name := range s.finalNames() {
		pkg := s.finalOwner(name)
		if pkg == nil {
			continue
		}
		provided, ok := pkg.Provides(dep.Name)
		if !ok {
			continue
		}
		v, err := version.Parse(provided)
		if err != nil {
			continue
		}
		sat, err := dep.SatisfiedBy(v)
		if err != nil {
			return false, err
		}
		if sat {
			return true, nil
		}
	}
	return false, nil
}

// providedVirtually reports whether a surviving installed package or a
// planned package provides the edge's name at a satisfying version.
func (s *solver) providedVirtually(dep models.Dependency) bool {
	ok, err := s.satisfiedInFinalState(dep)
	return err == nil && ok
}

// finalNames lists every name owning a slot after the transaction, in
// deterministic order: surviving installed names first, then planned names
// in choice order.
func (s *solver) finalNames() []string {
	names := s.installedNames()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, n := range s.log {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	return names
}

// finalOwner returns the package owning name after the transaction, nil if
// the slot empties.
func (s *solver) finalOwner(name string) *models.Package {
	if ch, ok := s.chosen[name]; ok {
		return ch.pkg
	}
	if s.removed(name) {
		return nil
	}
	return s.installed[name]
}

func (s *solver) removed(name string) bool {
	_, ok := s.removals[name]
	return ok
}

func (s *solver) satisfies(dep models.Dependency, ver string) (bool, error) {
	v, err := version.Parse(ver)
	if err != nil {
		return false, fmt.Errorf("%s: %w", dep.Name, err)
	}
	return dep.SatisfiedBy(v)
}

func (s *solver) unresolvable(dep models.Dependency, chain []string, reason string) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: %s: %s", ErrUnresolvable, dep, reason)
	}
	return fmt.Errorf("%w: %s (required by %s): %s", ErrUnresolvable, dep, chainLabel(chain), reason)
}

func (s *solver) installedNames() []string {
	names := make([]string, 0, len(s.installed))
	for name := range s.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// packagesConflict reports whether either package declares a conflicts
// edge matching the other, directly or through provides.
func packagesConflict(a, b *models.Package) bool {
	return declaresConflict(a, b) || declaresConflict(b, a)
}

func declaresConflict(from, against *models.Package) bool {
	for _, edge := range from.DependenciesOf(models.KindConflicts) {
		provided, ok := against.Provides(edge.Name)
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

func chainLabel(chain []string) string {
	if len(chain) == 0 {
		return "request"
	}
	return strings.Join(chain, " -> ")
}
