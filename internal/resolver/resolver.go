// Package resolver computes ordered transaction plans.
//
// Given a set of requested operations and the catalog, the resolver picks a
// concrete candidate for every name it must install, walks required
// dependencies depth-first with backtracking, checks conflicts against the
// installed and planned sets, and orders the result topologically so
// dependencies install before dependents. Removals come out in reverse
// order, dependents first. The same catalog and the same request always
// produce the same plan.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/version"
)

var (
	// ErrUnresolvable indicates no candidate assignment satisfies the
	// request. The message carries the unsatisfied constraint and the
	// dependency chain that introduced it.
	ErrUnresolvable = errors.New("unresolvable")

	// ErrConflict indicates two packages that declare each other
	// incompatible.
	ErrConflict = errors.New("conflict detected")
)

// Action is the kind of one requested operation or plan step.
type Action string

const (
	ActionInstall Action = "install"
	ActionRemove  Action = "remove"
)

// Request is one operation the caller asks for.
type Request struct {
	Action  Action
	Name    string
	Op      version.Op // empty means any version
	Version string

	// Downgrade permits this request to select a version below the
	// installed one even when allow_downgrades is off.
	Downgrade bool
}

// Constraint returns the request's version bound as a dependency edge.
func (r Request) Constraint() models.Dependency {
	return models.Dependency{
		Name:    r.Name,
		Op:      r.Op,
		Version: r.Version,
		Kind:    models.KindRequired,
	}
}

// ParseSpec parses a CLI package spec: "name", "name=1.2.0",
// "name>=2.0", and the other comparison operators.
func ParseSpec(action Action, spec string) (Request, error) {
	for _, op := range []version.Op{version.OpLE, version.OpGE, version.OpNE, version.OpEQ, version.OpLT, version.OpGT} {
		name, ver, found := strings.Cut(spec, string(op))
		if !found {
			continue
		}
		if name == "" || ver == "" {
			return Request{}, fmt.Errorf("%w: invalid package spec %q", version.ErrParse, spec)
		}
		if _, err := version.Parse(ver); err != nil {
			return Request{}, fmt.Errorf("invalid package spec %q: %w", spec, err)
		}
		return Request{Action: action, Name: name, Op: op, Version: ver}, nil
	}
	if err := models.ValidateName(spec); err != nil {
		return Request{}, err
	}
	return Request{Action: action, Name: spec}, nil
}

// Step is one atomic operation of a plan.
type Step struct {
	Action  Action
	Package *models.Package

	// Reason records why an install step exists: the user asked for it
	// or a dependency pulled it in.
	Reason models.InstallReason
}

func (s Step) String() string {
	return fmt.Sprintf("%s %s %s", s.Action, s.Package.Name, s.Package.Version)
}

// Plan is the ordered operation sequence a transaction will execute.
// Removals come first (dependents before dependencies), then installs
// (dependencies before dependents); a same-name remove and install is an
// in-place replacement.
type Plan struct {
	Steps []Step
}

// Empty reports a plan with nothing to do.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }

// Installs returns the install steps in order.
func (p *Plan) Installs() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Action == ActionInstall {
			out = append(out, s)
		}
	}
	return out
}

// Removals returns the remove steps in order.
func (p *Plan) Removals() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Action == ActionRemove {
			out = append(out, s)
		}
	}
	return out
}

// Options tunes resolution.
type Options struct {
	// AllowDowngrades permits selecting versions below the installed one
	// without per-request permission.
	AllowDowngrades bool

	// Arch is the host architecture; zero means the running host.
	Arch models.Architecture
}

// Resolver computes plans against a catalog.
type Resolver struct {
	store  *catalog.Store
	opts   Options
	logger *slog.Logger
}

// New creates a resolver.
func New(store *catalog.Store, opts Options, logger *slog.Logger) *Resolver {
	if opts.Arch == "" {
		opts.Arch = models.HostArchitecture()
	}
	return &Resolver{store: store, opts: opts, logger: logger}
}

// Resolve computes a plan for the requests, or fails with ErrUnresolvable,
// ErrConflict, or catalog.ErrNotFound. No partial plans: an error means no
// plan.
func (r *Resolver) Resolve(requests []Request) (*Plan, error) {
	s := newSolver(r)
	if err := s.solve(requests); err != nil {
		return nil, err
	}
	plan, err := s.plan()
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolved plan",
		"requests", len(requests),
		"steps", len(plan.Steps))
	return plan, nil
}
