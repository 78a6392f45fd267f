// Package graph models inter-package dependencies of a workspace.
//
// An edge a -> b means a depends on b. Nodes are package names; package
// records stay owned by the workspace. Cycles are allowed and reported.
package graph

import (
	"container/heap"
	"context"
	"sort"

	"monorel/internal/workspace"
)

// Options controls which manifest sections produce edges.
type Options struct {
	// SkipDevDependencies drops devDependencies edges.
	SkipDevDependencies bool
}

// Graph is an immutable dependency graph.
type Graph struct {
	names      []string
	index      map[string]int
	deps       [][]int
	dependents [][]int
	external   map[string]map[string]string

	sccs   [][]int // condensation topological order, members sorted by index
	sccOf  []int
	cycles [][]string
}

// Build constructs the graph for every package of ws.
func Build(ws *workspace.Workspace, opts Options) *Graph {
	edges := make(map[string][]string, len(ws.Packages))
	external := make(map[string]map[string]string, len(ws.Packages))
	for name, p := range ws.Packages {
		list := append([]string(nil), p.WorkspaceDeps...)
		if !opts.SkipDevDependencies {
			list = append(list, p.WorkspaceDevDeps...)
		}
		edges[name] = list
		ext := make(map[string]string, len(p.ExternalDeps))
		for k, v := range p.ExternalDeps {
			ext[k] = v
		}
		external[name] = ext
	}
	g := New(edges)
	g.external = external
	return g
}

// New builds a graph from an adjacency map. Keys are nodes; targets that are
// not keys are ignored.
func New(edges map[string][]string) *Graph {
	names := make([]string, 0, len(edges))
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)

	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	g := &Graph{
		names:      names,
		index:      index,
		deps:       make([][]int, len(names)),
		dependents: make([][]int, len(names)),
		external:   map[string]map[string]string{},
	}
	for i, n := range names {
		seen := make(map[int]bool)
		for _, d := range edges[n] {
			j, ok := index[d]
			if !ok || seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	for i := range names {
		sort.Ints(g.deps[i])
		sort.Ints(g.dependents[i])
	}

	g.computeComponents()
	return g
}

// Names returns every node in ascending order.
func (g *Graph) Names() []string { return append([]string(nil), g.names...) }

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

func (g *Graph) toNames(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.names[i])
	}
	return out
}

// Dependencies returns the direct workspace dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.toNames(g.deps[i])
}

// Dependents returns the packages that depend directly on name.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.toNames(g.dependents[i])
}

// ExternalDependencies returns the non-workspace dependencies of name.
func (g *Graph) ExternalDependencies(name string) map[string]string {
	out := make(map[string]string)
	for k, v := range g.external[name] {
		out[k] = v
	}
	return out
}

func (g *Graph) closure(start []int, adj [][]int) []int {
	visited := make([]bool, len(g.names))
	queue := append([]int(nil), start...)
	for _, s := range start {
		visited[s] = true
	}
	var out []int
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range adj[u] {
			if visited[v] {
				continue
			}
			visited[v] = true
			out = append(out, v)
			queue = append(queue, v)
		}
	}
	sort.Ints(out)
	return out
}

// TransitiveDependents is the BFS closure over dependents, excluding name
// unless it lies on a cycle through itself.
func (g *Graph) TransitiveDependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := g.closure([]int{i}, g.dependents)
	if g.onCycle(i) {
		out = append(out, i)
		sort.Ints(out)
	}
	return g.toNames(out)
}

// TransitiveDependencies is the BFS closure over dependencies.
func (g *Graph) TransitiveDependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := g.closure([]int{i}, g.deps)
	if g.onCycle(i) {
		out = append(out, i)
		sort.Ints(out)
	}
	return g.toNames(out)
}

// AffectedSet returns seed plus the transitive dependents of every seed
// member, sorted. Unknown names are ignored.
func (g *Graph) AffectedSet(seed []string) []string {
	var start []int
	in := make([]bool, len(g.names))
	for _, s := range seed {
		if i, ok := g.index[s]; ok && !in[i] {
			in[i] = true
			start = append(start, i)
		}
	}
	for _, i := range g.closure(start, g.dependents) {
		in[i] = true
	}
	var out []string
	for i, ok := range in {
		if ok {
			out = append(out, g.names[i])
		}
	}
	return out
}

func (g *Graph) onCycle(i int) bool {
	if len(g.sccs[g.sccOf[i]]) > 1 {
		return true
	}
	for _, d := range g.deps[i] {
		if d == i {
			return true
		}
	}
	return false
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// kahn orders nodes dependencies-first with the smallest ready index popped
// first. It returns fewer than len(g.names) nodes when a cycle exists.
func (g *Graph) kahn() []int {
	indeg := make([]int, len(g.names))
	for i := range g.names {
		indeg[i] = len(g.deps[i])
	}
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(g.names))
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		out = append(out, u)
		for _, v := range g.dependents[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return out
}

// TopologicalOrder lists every package with dependencies before dependents,
// breaking ties by name. When cycles exist it returns the SCC groups in
// condensation order, each group in name order.
func (g *Graph) TopologicalOrder() []string {
	order := g.kahn()
	if len(order) == len(g.names) {
		return g.toNames(order)
	}
	out := make([]string, 0, len(g.names))
	for _, c := range g.sccs {
		out = append(out, g.toNames(c)...)
	}
	return out
}

// Components returns every strongly connected component, singleton or not,
// with dependencies before dependents and names sorted inside each group.
func (g *Graph) Components() [][]string {
	out := make([][]string, 0, len(g.sccs))
	for _, c := range g.sccs {
		out = append(out, g.toNames(c))
	}
	return out
}

// DetectCycles returns each non-singleton SCC, plus every self-loop as a
// one-node cycle, ordered by first member name.
func (g *Graph) DetectCycles() [][]string {
	out := make([][]string, len(g.cycles))
	for i, c := range g.cycles {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// HasCycles reports whether DetectCycles is non-empty.
func (g *Graph) HasCycles() bool { return len(g.cycles) > 0 }

// Walk visits packages in topological order, stopping at the first error or
// when ctx is done.
func (g *Graph) Walk(ctx context.Context, fn func(name string) error) error {
	for _, n := range g.TopologicalOrder() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}
