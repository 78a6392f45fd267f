package dag

import "container/heap"

// validateAcyclic runs Kahn's algorithm and, if some nodes never become
// ready, reports one cycle found by DFS.
func (g *TaskGraph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// topoOrderIndices orders by canonical index among ready nodes.
func (g *TaskGraph) topoOrderIndices() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			if indeg[m]--; indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as task names in dependency order, with the
// first task repeated at the end.
func (g *TaskGraph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	color := make([]int, len(g.nodes))
	var stack []int

	var visit func(u int) []int
	visit = func(u int) []int {
		color[u] = onStack
		stack = append(stack, u)
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case unvisited:
				if c := visit(v); c != nil {
					return c
				}
			case onStack:
				for i, s := range stack {
					if s == v {
						return append(append([]int(nil), stack[i:]...), v)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = done
		return nil
	}

	for i := range g.nodes {
		if color[i] != unvisited {
			continue
		}
		if c := visit(i); c != nil {
			out := make([]string, 0, len(c))
			for _, idx := range c {
				out = append(out, g.nodes[idx].Name)
			}
			return out
		}
	}
	return nil
}
