package resolve

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"monorel/internal/changeset"
	"monorel/internal/errs"
	"monorel/internal/graph"
	"monorel/internal/logging"
	"monorel/internal/manifest"
	"monorel/internal/semver"
	"monorel/internal/workspace"
)

// CyclePolicy decides how bumps behave inside a dependency cycle.
type CyclePolicy string

const (
	// CycleUnify gives every member of a cycle the highest bump in it.
	CycleUnify CyclePolicy = "unify"
	// CycleIgnore treats members independently.
	CycleIgnore CyclePolicy = "ignore"
	// CycleError fails when a cycle member would be released.
	CycleError CyclePolicy = "error"
)

// ParseCyclePolicy accepts "unify", "ignore" or "error"; empty means unify.
func ParseCyclePolicy(s string) (CyclePolicy, error) {
	switch p := CyclePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CycleUnify, nil
	case CycleUnify, CycleIgnore, CycleError:
		return p, nil
	}
	return "", errs.New(errs.ErrConfigInvalid, "cycle policy", "unknown policy %q", s)
}

// Policy configures propagation.
type Policy struct {
	// PropagationBump is given to dependents of a released package.
	PropagationBump semver.Bump
	// Propagate disables dependent bumps when false; ranges are still rewritten.
	Propagate bool
	Cycles    CyclePolicy
	// SnapshotBase is the bump a snapshot is applied on top of.
	SnapshotBase   semver.Bump
	SnapshotFormat string
}

// DefaultPolicy propagates patch bumps and unifies cycles.
func DefaultPolicy() Policy {
	return Policy{
		PropagationBump: semver.Patch,
		Propagate:       true,
		Cycles:          CycleUnify,
		SnapshotBase:    semver.Patch,
		SnapshotFormat:  semver.DefaultSnapshotFormat,
	}
}

// Input is what the resolver plans from.
type Input struct {
	Changesets []*changeset.Changeset
	// Suggestions are detector bumps keyed by package.
	Suggestions map[string]semver.Bump
}

// Resolver computes release plans for one workspace.
type Resolver struct {
	ws     *workspace.Workspace
	graph  *graph.Graph
	policy Policy
	logger *slog.Logger
}

// New returns a resolver over ws and its graph g.
func New(ws *workspace.Workspace, g *graph.Graph, policy Policy, logger *slog.Logger) *Resolver {
	if policy.Cycles == "" {
		policy.Cycles = CycleUnify
	}
	return &Resolver{ws: ws, graph: g, policy: policy, logger: logging.Or(logger, "resolve")}
}

type state struct {
	sources map[string][]Source
	final   map[string]semver.Bump
	cycle   map[string]bool
}

func (s *state) add(name string, src Source) {
	s.sources[name] = append(s.sources[name], src)
}

// Resolve builds the plan. It is deterministic for a given input.
func (r *Resolver) Resolve(in Input) (*Plan, error) {
	st := &state{
		sources: make(map[string][]Source),
		final:   make(map[string]semver.Bump),
		cycle:   make(map[string]bool),
	}
	if err := r.gather(st, in); err != nil {
		return nil, err
	}

	plan := &Plan{Packages: make(map[string]*PackagePlan), Cycles: r.graph.DetectCycles()}
	plan.Conflicts = conflicts(st.sources)

	direct := make(map[string]semver.Bump, len(st.sources))
	for name, srcs := range st.sources {
		direct[name] = maxSource(srcs)
	}

	for _, comp := range r.graph.Components() {
		if err := r.resolveComponent(st, direct, comp); err != nil {
			return nil, err
		}
	}

	for _, name := range r.graph.Names() {
		b := st.final[name]
		if b.IsNone() {
			continue
		}
		pkg, ok := r.ws.Package(name)
		if !ok {
			return nil, errs.New(errs.ErrUnknownPackage, "resolve", "%q is in the graph but not the workspace", name)
		}
		plan.Packages[name] = &PackagePlan{
			Name:          name,
			Old:           pkg.Version,
			New:           pkg.Version.Apply(b, r.policy.SnapshotBase, r.policy.SnapshotFormat),
			Bump:          b,
			Sources:       st.sources[name],
			IsCycleMember: st.cycle[name],
		}
	}
	r.rewriteRanges(plan)

	r.logger.Debug("resolved plan", "packages", len(plan.Packages), "conflicts", len(plan.Conflicts), "cycles", len(plan.Cycles))
	return plan, nil
}

func (r *Resolver) gather(st *state, in Input) error {
	css := slices.Clone(in.Changesets)
	sort.SliceStable(css, func(i, j int) bool {
		if !css[i].CreatedAt.Equal(css[j].CreatedAt) {
			return css[i].CreatedAt.Before(css[j].CreatedAt)
		}
		return css[i].ID < css[j].ID
	})
	for _, cs := range css {
		if !r.ws.Has(cs.Package) {
			return errs.New(errs.ErrUnknownPackage, "resolve changeset "+cs.ID, "%q", cs.Package)
		}
		if r.unversioned(cs.Package) {
			return errs.New(errs.ErrInvalidChangeset, "resolve changeset "+cs.ID, "package %q has no version to bump", cs.Package)
		}
		if err := cs.Bump.Validate(); err != nil {
			return errs.Wrap(errs.ErrInvalidChangeset, "resolve changeset "+cs.ID, err)
		}
		st.add(cs.Package, Source{
			Bump:        cs.Bump,
			Kind:        SourceChangeset,
			Reason:      cs.Description,
			ChangesetID: cs.ID,
		})
	}

	names := make([]string, 0, len(in.Suggestions))
	for name := range in.Suggestions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.ws.Has(name) {
			return errs.New(errs.ErrUnknownPackage, "resolve suggestion", "%q", name)
		}
		if r.unversioned(name) {
			r.logger.Debug("ignoring suggestion for unversioned package", "package", name)
			continue
		}
		st.add(name, Source{Bump: in.Suggestions[name], Kind: SourceDetector, Reason: "detected file changes"})
	}
	return nil
}

func (r *Resolver) unversioned(name string) bool {
	pkg, ok := r.ws.Package(name)
	return ok && pkg.Unversioned
}

func maxSource(srcs []Source) semver.Bump {
	out := semver.None
	for _, s := range srcs {
		out = semver.Max(out, s.Bump)
	}
	return out
}

func conflicts(sources map[string][]Source) []Conflict {
	var out []Conflict
	for name, srcs := range sources {
		if len(srcs) < 2 {
			continue
		}
		differ := false
		for _, s := range srcs[1:] {
			if s.Bump != srcs[0].Bump {
				differ = true
				break
			}
		}
		if !differ {
			continue
		}
		out = append(out, Conflict{
			Package:  name,
			Sources:  slices.Clone(srcs),
			Resolved: maxSource(srcs),
			Strategy: HighestBumpWins,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}

// propagated returns the bump name inherits from the released dependencies
// listed in deps, and the first such dependency.
func (r *Resolver) propagated(st *state, deps []string) (semver.Bump, string) {
	out, from := semver.None, ""
	for _, d := range deps {
		b := st.final[d]
		if b.IsNone() {
			continue
		}
		inherit := r.policy.PropagationBump
		if b.Kind == semver.BumpSnapshot {
			inherit = b
		}
		if out.Less(inherit) {
			out, from = inherit, d
		}
	}
	return out, from
}

func (r *Resolver) resolveComponent(st *state, direct map[string]semver.Bump, comp []string) error {
	isCycle := len(comp) > 1 || r.graph.IsCycleMember(comp[0])
	inComp := func(n string) bool { return slices.Contains(comp, n) }

	external := func(name string) []string {
		var out []string
		for _, d := range r.graph.Dependencies(name) {
			if !inComp(d) {
				out = append(out, d)
			}
		}
		return out
	}

	for _, name := range comp {
		if r.unversioned(name) {
			st.final[name] = semver.None
			continue
		}
		b := direct[name]
		if r.policy.Propagate {
			if p, from := r.propagated(st, external(name)); b.Less(p) {
				b = p
				st.add(name, Source{Bump: p, Kind: SourceDependency, Reason: "dependency " + from + " released"})
			}
		}
		st.final[name] = b
	}
	if !isCycle {
		return nil
	}

	released := false
	for _, name := range comp {
		st.cycle[name] = true
		if !st.final[name].IsNone() {
			released = true
		}
	}

	switch r.policy.Cycles {
	case CycleError:
		if released {
			return errs.New(errs.ErrDependencyCycle, "resolve", "cycle %s contains released packages", strings.Join(comp, " <-> "))
		}
	case CycleIgnore:
		if !r.policy.Propagate {
			return nil
		}
		// Propagate inside the group until stable; bumps only grow.
		for changed := true; changed; {
			changed = false
			for _, name := range comp {
				if r.unversioned(name) {
					continue
				}
				var internal []string
				for _, d := range r.graph.Dependencies(name) {
					if inComp(d) && d != name {
						internal = append(internal, d)
					}
				}
				if p, from := r.propagated(st, internal); st.final[name].Less(p) {
					st.final[name] = p
					st.add(name, Source{Bump: p, Kind: SourceDependency, Reason: "dependency " + from + " released"})
					changed = true
				}
			}
		}
	default:
		top := semver.None
		for _, name := range comp {
			top = semver.Max(top, st.final[name])
		}
		if top.IsNone() {
			return nil
		}
		members := strings.Join(comp, ", ")
		for _, name := range comp {
			if !r.unversioned(name) && st.final[name].Less(top) {
				st.final[name] = top
				st.add(name, Source{Bump: top, Kind: SourceCycle, Reason: fmt.Sprintf("cycle with %s", members)})
			}
		}
		r.logger.Warn("dependency cycle unified", "members", comp, "bump", top.String())
	}
	return nil
}

func (r *Resolver) rewriteRanges(plan *Plan) {
	for _, dep := range plan.Released() {
		// Every section is checked, whether or not the graph has an edge for it.
		for _, pkg := range r.ws.Sorted() {
			dependent := pkg.Name
			for _, field := range manifest.DependencyFields {
				old, ok := pkg.DependencyRange(field, dep.Name)
				if !ok {
					continue
				}
				rewritten, changed := manifest.RewriteRange(old, dep.New)
				if !changed {
					continue
				}
				pp, ok := plan.Packages[dependent]
				if !ok {
					pp = &PackagePlan{Name: dependent, Old: pkg.Version, New: pkg.Version, Bump: semver.None, Unversioned: pkg.Unversioned}
					plan.Packages[dependent] = pp
				}
				pp.DependencyUpdates = append(pp.DependencyUpdates, DependencyUpdate{
					Dependency: dep.Name,
					Field:      field,
					OldRange:   old,
					NewRange:   rewritten,
				})
			}
		}
	}
	for _, pp := range plan.Packages {
		sort.Slice(pp.DependencyUpdates, func(i, j int) bool {
			a, b := pp.DependencyUpdates[i], pp.DependencyUpdates[j]
			if a.Dependency != b.Dependency {
				return a.Dependency < b.Dependency
			}
			return a.Field < b.Field
		})
	}
}
