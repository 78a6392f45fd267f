package graph

import (
	"container/heap"
	"sort"
)

// computeComponents runs Tarjan's algorithm over dependency edges, then orders
// the condensation dependencies-first with the smallest member index as the
// tie-break.
func (g *Graph) computeComponents() {
	n := len(g.names)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	var raw [][]int
	next := 0

	var strongConnect func(v int)
	strongConnect = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.deps[v] {
			if index[w] == -1 {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Ints(comp)
			raw = append(raw, comp)
		}
	}
	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongConnect(v)
		}
	}

	sccOf := make([]int, n)
	for ci, comp := range raw {
		for _, v := range comp {
			sccOf[v] = ci
		}
	}

	// Condensation: component c depends on component d.
	cdeps := make([]map[int]bool, len(raw))
	cdependents := make([][]int, len(raw))
	for ci := range raw {
		cdeps[ci] = make(map[int]bool)
	}
	for v := 0; v < n; v++ {
		for _, w := range g.deps[v] {
			cv, cw := sccOf[v], sccOf[w]
			if cv == cw || cdeps[cv][cw] {
				continue
			}
			cdeps[cv][cw] = true
			cdependents[cw] = append(cdependents[cw], cv)
		}
	}

	// Kahn over components keyed by their smallest member.
	indeg := make([]int, len(raw))
	keyToComp := make(map[int]int, len(raw))
	ready := &intMinHeap{}
	for ci, comp := range raw {
		indeg[ci] = len(cdeps[ci])
		keyToComp[comp[0]] = ci
		if indeg[ci] == 0 {
			heap.Push(ready, comp[0])
		}
	}
	ordered := make([][]int, 0, len(raw))
	remap := make([]int, len(raw))
	for ready.Len() > 0 {
		ci := keyToComp[heap.Pop(ready).(int)]
		remap[ci] = len(ordered)
		ordered = append(ordered, raw[ci])
		for _, dep := range cdependents[ci] {
			indeg[dep]--
			if indeg[dep] == 0 {
				heap.Push(ready, raw[dep][0])
			}
		}
	}

	g.sccs = ordered
	g.sccOf = make([]int, n)
	for v := 0; v < n; v++ {
		g.sccOf[v] = remap[sccOf[v]]
	}

	g.cycles = nil
	for _, comp := range ordered {
		if len(comp) > 1 || g.hasSelfLoop(comp[0]) {
			g.cycles = append(g.cycles, g.toNames(comp))
		}
	}
	sort.Slice(g.cycles, func(i, j int) bool { return g.cycles[i][0] < g.cycles[j][0] })
}

func (g *Graph) hasSelfLoop(v int) bool {
	for _, w := range g.deps[v] {
		if w == v {
			return true
		}
	}
	return false
}

// ComponentOf returns the members of the strongly connected component that
// contains name, in name order.
func (g *Graph) ComponentOf(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.toNames(g.sccs[g.sccOf[i]])
}

// IsCycleMember reports whether name lies on a cycle, including a self-loop.
func (g *Graph) IsCycleMember(name string) bool {
	i, ok := g.index[name]
	return ok && g.onCycle(i)
}
