package dag

import (
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects part of a task graph.
type Filter struct {
	// Include globs match task names; empty includes everything.
	Include []string
	Exclude []string
	// Packages keeps only tasks of these packages; empty keeps all.
	Packages []string
	// NoDependencies stops the selection from pulling in dependencies.
	NoDependencies bool
	// WithDependents adds every task downstream of the selection.
	WithDependents bool
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Select returns the subgraph chosen by f. Dependency edges to tasks outside
// the selection are dropped.
func (g *TaskGraph) Select(f Filter) (*TaskGraph, error) {
	for _, p := range append(slices.Clone(f.Include), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, invalidf("bad task pattern %q", p)
		}
	}

	picked := make(map[string]bool)
	for _, n := range g.nodes {
		if len(f.Include) > 0 && !matchAny(f.Include, n.Name) {
			continue
		}
		if matchAny(f.Exclude, n.Name) {
			continue
		}
		if len(f.Packages) > 0 && !slices.Contains(f.Packages, n.Task.Package) {
			continue
		}
		picked[n.Name] = true
	}

	expand := func(adj [][]int) {
		var queue []int
		for name := range picked {
			queue = append(queue, g.nodesByName[name].canonicalIndex)
		}
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			for _, v := range adj[u] {
				if name := g.nodes[v].Name; !picked[name] {
					picked[name] = true
					queue = append(queue, v)
				}
			}
		}
	}
	if f.WithDependents {
		expand(g.outgoing)
	}
	if !f.NoDependencies {
		expand(g.incoming)
	}
	if len(picked) == 0 {
		return nil, invalidf("no tasks matched the filter")
	}

	tasks := make([]Task, 0, len(picked))
	for _, n := range g.nodes {
		if !picked[n.Name] {
			continue
		}
		t := n.Task
		t.Dependencies = nil
		for _, d := range n.Task.Dependencies {
			if picked[d] {
				t.Dependencies = append(t.Dependencies, d)
			}
		}
		tasks = append(tasks, t)
	}
	return NewTaskGraph(tasks)
}
