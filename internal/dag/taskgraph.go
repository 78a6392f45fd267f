package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated DAG of tasks. It is safe for
// concurrent reads.
type TaskGraph struct {
	nodesByName map[string]*TaskNode
	nodes       []*TaskNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // dependents, by canonical index
	incoming [][]int // dependencies, by canonical index
	indeg    []int
	depth    []int

	hash GraphHash
}

// NewTaskGraph builds and validates a graph from tasks and their declared
// Dependencies. It rejects empty or duplicate names, empty commands, unknown
// or repeated dependencies, self-dependencies and cycles.
func NewTaskGraph(tasks []Task) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	nodesByName := make(map[string]*TaskNode, len(tasks))
	nodes := make([]*TaskNode, 0, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return nil, invalidf("task name is required")
		}
		if t.Command == "" {
			return nil, invalidf("task %q has no command", t.Name)
		}
		if _, exists := nodesByName[t.Name]; exists {
			return nil, invalidf("duplicate task name: %q", t.Name)
		}
		node := &TaskNode{Name: t.Name, Task: t, DefinitionHash: computeTaskDefHash(t)}
		nodesByName[t.Name] = node
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].DefinitionHash != nodes[j].DefinitionHash {
			return nodes[i].DefinitionHash < nodes[j].DefinitionHash
		}
		return nodes[i].Name < nodes[j].Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	var mapped []edgeIndex
	seen := make(map[edgeIndex]struct{})
	for _, n := range nodes {
		for _, dep := range n.Task.Dependencies {
			from, ok := nodesByName[dep]
			if !ok {
				return nil, invalidf("task %q depends on unknown task %q", n.Name, dep)
			}
			if from == n {
				return nil, invalidf("task %q depends on itself", n.Name)
			}
			pair := edgeIndex{from: from.canonicalIndex, to: n.canonicalIndex}
			if _, dup := seen[pair]; dup {
				return nil, invalidf("task %q lists dependency %q twice", n.Name, dep)
			}
			seen[pair] = struct{}{}
			mapped = append(mapped, pair)
		}
	}
	sort.Slice(mapped, func(i, j int) bool {
		if mapped[i].from != mapped[j].from {
			return mapped[i].from < mapped[j].from
		}
		return mapped[i].to < mapped[j].to
	})

	g := &TaskGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    make([][]int, len(nodes)),
		incoming:    make([][]int, len(nodes)),
		indeg:       make([]int, len(nodes)),
	}
	for _, e := range mapped {
		g.outgoing[e.from] = append(g.outgoing[e.from], e.to)
		g.incoming[e.to] = append(g.incoming[e.to], e.from)
		g.indeg[e.to]++
	}
	for i := range nodes {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Len is the number of tasks.
func (g *TaskGraph) Len() int { return len(g.nodes) }

// Node returns a node by name.
func (g *TaskGraph) Node(name string) (*TaskNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TaskGraph) Nodes() []*TaskNode {
	out := make([]*TaskNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Names returns task names in ascending order.
func (g *TaskGraph) Names() []string {
	out := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Name)
	}
	sort.Strings(out)
	return out
}

// Edges returns the dependency edges in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

func (g *TaskGraph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].Name)
	}
	sort.Strings(out)
	return out
}

// Dependencies returns the direct dependencies of name.
func (g *TaskGraph) Dependencies(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.incoming[n.canonicalIndex])
}

// Dependents returns the tasks that directly depend on name.
func (g *TaskGraph) Dependents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.outgoing[n.canonicalIndex])
}

// Depth is the length of the longest dependency chain ending at name.
func (g *TaskGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > depth[u] {
				depth[u] = d
			}
		}
	}
	return depth
}

// TopologicalOrder returns a deterministic topological ordering of names.
func (g *TaskGraph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	out := make([]string, 0, len(order))
	for _, idx := range order {
		out = append(out, g.nodes[idx].Name)
	}
	return out
}

// hashWriter length-prefixes every field so adjacent fields cannot collide.
type hashWriter struct{ buf []byte }

func (w *hashWriter) field(b []byte) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *hashWriter) str(s string) { w.field([]byte(s)) }

func (w *hashWriter) count(n int) { w.field(binary.BigEndian.AppendUint32(nil, uint32(n))) }

func (w *hashWriter) sum() string {
	s := sha256.Sum256(w.buf)
	return hex.EncodeToString(s[:])
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	var w hashWriter
	w.count(len(g.nodes))
	for _, n := range g.nodes {
		w.str(string(n.DefinitionHash))
	}
	w.count(len(g.edges))
	for _, e := range g.edges {
		w.count(e.from)
		w.count(e.to)
	}
	return GraphHash(w.sum())
}
