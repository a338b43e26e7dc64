package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/raeenos/raepkg/internal/models"
)

// plan orders the solved state into executable steps: removals first,
// dependents before dependencies; then installs, dependencies before
// dependents. A same-name remove and install pair is an in-place
// replacement with the remove ahead of the install.
func (s *solver) plan() (*Plan, error) {
	installs, err := s.orderInstalls()
	if err != nil {
		return nil, err
	}

	var steps []Step
	for _, pkg := range s.orderRemovals() {
		steps = append(steps, Step{Action: ActionRemove, Package: pkg})
	}
	for _, name := range installs {
		ch := s.chosen[name]
		steps = append(steps, Step{
			Action:  ActionInstall,
			Package: ch.pkg,
			Reason:  ch.reason,
		})
	}
	return &Plan{Steps: steps}, nil
}

// orderInstalls topologically sorts the chosen set over required edges,
// dependencies first. An edge exists only between two planned packages;
// edges into the installed set need no ordering.
func (s *solver) orderInstalls() ([]string, error) {
	names := make([]string, 0, len(s.chosen))
	for name := range s.chosen {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(names))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		path = append(path, name)

		for _, dep := range s.planEdges(name) {
			switch state[dep] {
			case visiting:
				return cycleError(path, dep)
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		state[name] = done
		path = path[:len(path)-1]
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// planEdges returns the planned packages that must install before name:
// the chosen providers of name's required edges, in deterministic order.
func (s *solver) planEdges(name string) []string {
	ch := s.chosen[name]
	var out []string
	seen := make(map[string]bool)
	for _, dep := range ch.pkg.DependenciesOf(models.KindRequired) {
		target := s.chosenProvider(dep.Name)
		if target != "" && target != name && !seen[target] {
			out = append(out, target)
			seen[target] = true
		}
	}
	sort.Strings(out)
	return out
}

// chosenProvider returns the planned package satisfying a name, directly
// or through provides. Empty when the installed set covers it.
func (s *solver) chosenProvider(name string) string {
	if _, ok := s.chosen[name]; ok {
		return name
	}
	for _, planned := range s.log {
		if _, ok := s.chosen[planned].pkg.Provides(name); ok {
			return planned
		}
	}
	return ""
}

// orderRemovals emits removals dependents-first: topological order over
// required edges among the removed packages, reversed. Replaced owners are
// included so their remove step precedes the same-name install.
func (s *solver) orderRemovals() []*models.Package {
	victims := make(map[string]*models.Package)
	for name, pkg := range s.removals {
		victims[name] = pkg
	}
	for _, name := range s.log {
		if old := s.chosen[name].replaces; old != nil {
			victims[old.Name] = old
		}
	}
	if len(victims) == 0 {
		return nil
	}

	names := make([]string, 0, len(victims))
	for name := range victims {
		names = append(names, name)
	}
	sort.Strings(names)

	// dependencies-first order among the victims, same walk as installs
	visited := make(map[string]bool, len(names))
	var order []string
	var visit func(name string)
	visit = func(name string) {
		visited[name] = true
		for _, dep := range victims[name].DependenciesOf(models.KindRequired) {
			if _, isVictim := victims[dep.Name]; isVictim && !visited[dep.Name] {
				visit(dep.Name)
			}
		}
		order = append(order, name)
	}
	for _, name := range names {
		if !visited[name] {
			visit(name)
		}
	}

	// reverse: dependents go away before the packages they depend on
	out := make([]*models.Package, len(order))
	for i, name := range order {
		out[len(order)-1-i] = victims[name]
	}
	return out
}

// cycleError names the dependency cycle found on path, closing at dep.
func cycleError(path []string, dep string) error {
	start := 0
	for i, node := range path {
		if node == dep {
			start = i
			break
		}
	}
	var b strings.Builder
	for _, node := range path[start:] {
		b.WriteString(node)
		b.WriteString(" -> ")
	}
	b.WriteString(dep)
	return fmt.Errorf("%w: dependency cycle: %s", ErrUnresolvable, b.String())
}
