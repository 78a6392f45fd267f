// Package resolve turns changesets and detector suggestions into a release
// plan: one final bump and version per package, propagated through the
// dependency graph, with conflicts and cycle groups reported.
package resolve

import (
	"sort"

	"monorel/internal/manifest"
	"monorel/internal/semver"
)

// SourceKind says where a candidate bump came from.
type SourceKind string

const (
	SourceChangeset  SourceKind = "changeset"
	SourceDetector   SourceKind = "detector"
	SourceDependency SourceKind = "dependency"
	SourceCycle      SourceKind = "cycle"
)

// Source is one candidate bump with its reason.
type Source struct {
	Bump        semver.Bump `json:"bump"`
	Kind        SourceKind  `json:"kind"`
	Reason      string      `json:"reason"`
	ChangesetID string      `json:"changeset_id,omitempty"`
}

// HighestBumpWins is the only conflict strategy.
const HighestBumpWins = "HighestBumpWins"

// Conflict records a package that received differing direct bumps.
type Conflict struct {
	Package  string      `json:"package"`
	Sources  []Source    `json:"sources"`
	Resolved semver.Bump `json:"resolved"`
	Strategy string      `json:"strategy"`
}

// DependencyUpdate is one range rewrite in a dependent's manifest.
type DependencyUpdate struct {
	Dependency string         `json:"dependency"`
	Field      manifest.Field `json:"field"`
	OldRange   string         `json:"old_range"`
	NewRange   string         `json:"new_range"`
}

// PackagePlan is the outcome for one package whose manifest changes. Bump is
// None when only dependency ranges are rewritten.
type PackagePlan struct {
	Name              string             `json:"name"`
	Old               semver.Version     `json:"old"`
	New               semver.Version     `json:"new"`
	Bump              semver.Bump        `json:"bump"`
	Sources           []Source           `json:"sources"`
	IsCycleMember     bool               `json:"is_cycle_member"`
	Unversioned       bool               `json:"unversioned,omitempty"`
	DependencyUpdates []DependencyUpdate `json:"dependency_updates,omitempty"`
}

// Released reports whether the package gets a new version.
func (p *PackagePlan) Released() bool { return !p.Bump.IsNone() }

// Plan is the resolver output.
type Plan struct {
	Packages  map[string]*PackagePlan `json:"packages"`
	Conflicts []Conflict              `json:"conflicts"`
	Cycles    [][]string              `json:"cycles"`
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool { return p == nil || len(p.Packages) == 0 }

// Sorted returns the package plans in name order.
func (p *Plan) Sorted() []*PackagePlan {
	if p == nil {
		return nil
	}
	out := make([]*PackagePlan, 0, len(p.Packages))
	for _, pp := range p.Packages {
		out = append(out, pp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Released returns the plans that carry a version change, in name order.
func (p *Plan) Released() []*PackagePlan {
	var out []*PackagePlan
	for _, pp := range p.Sorted() {
		if pp.Released() {
			out = append(out, pp)
		}
	}
	return out
}
