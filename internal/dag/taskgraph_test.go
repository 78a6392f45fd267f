package dag

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"monorel/internal/errs"
)

func pipeline() []Task {
	return []Task{
		{Name: "lint", Command: "lint"},
		{Name: "test", Command: "test", Dependencies: []string{"lint"}},
		{Name: "build", Command: "build", Dependencies: []string{"lint"}},
		{Name: "publish", Command: "publish", Dependencies: []string{"test", "build"}},
	}
}

func mustGraph(t *testing.T, tasks []Task) *TaskGraph {
	t.Helper()
	g, err := NewTaskGraph(tasks)
	if err != nil {
		t.Fatalf("NewTaskGraph: %v", err)
	}
	return g
}

func TestNewTaskGraph_Rejects(t *testing.T) {
	cases := map[string][]Task{
		"empty":        nil,
		"no name":      {{Command: "x"}},
		"no command":   {{Name: "a"}},
		"duplicate":    {{Name: "a", Command: "x"}, {Name: "a", Command: "y"}},
		"unknown dep":  {{Name: "a", Command: "x", Dependencies: []string{"b"}}},
		"self dep":     {{Name: "a", Command: "x", Dependencies: []string{"a"}}},
		"repeated dep": {{Name: "a", Command: "x"}, {Name: "b", Command: "y", Dependencies: []string{"a", "a"}}},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTaskGraph(tasks)
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
			if !errs.Is(err, errs.ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid classification, got %v", err)
			}
		})
	}
}

func TestNewTaskGraph_CycleWitness(t *testing.T) {
	_, err := NewTaskGraph([]Task{
		{Name: "a", Command: "x", Dependencies: []string{"c"}},
		{Name: "b", Command: "x", Dependencies: []string{"a"}},
		{Name: "c", Command: "x", Dependencies: []string{"b"}},
	})
	if !errors.Is(err, ErrCycleFound) || !errs.Is(err, errs.ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("cycle witness %q misses %s", err, name)
		}
	}
}

func TestTaskGraph_Structure(t *testing.T) {
	g := mustGraph(t, pipeline())

	if g.Len() != 4 {
		t.Fatalf("Len = %d", g.Len())
	}
	if got := g.Dependencies("publish"); !reflect.DeepEqual(got, []string{"build", "test"}) {
		t.Fatalf("Dependencies(publish) = %v", got)
	}
	if got := g.Dependents("lint"); !reflect.DeepEqual(got, []string{"build", "test"}) {
		t.Fatalf("Dependents(lint) = %v", got)
	}
	if d, _ := g.Depth("publish"); d != 2 {
		t.Fatalf("Depth(publish) = %d", d)
	}

	pos := map[string]int{}
	for i, name := range g.TopologicalOrder() {
		pos[name] = i
	}
	for _, e := range g.Edges() {
		if pos[e.From] >= pos[e.To] {
			t.Fatalf("edge %s -> %s out of order: %v", e.From, e.To, g.TopologicalOrder())
		}
	}
}

func TestTaskGraph_HashIgnoresInputOrder(t *testing.T) {
	tasks := pipeline()
	reversed := make([]Task, len(tasks))
	for i := range tasks {
		reversed[len(tasks)-1-i] = tasks[i]
	}
	a, b := mustGraph(t, tasks), mustGraph(t, reversed)
	if a.Hash() != b.Hash() {
		t.Fatalf("hash depends on input order: %s vs %s", a.Hash(), b.Hash())
	}

	tasks[0].Command = "lint --fix"
	if c := mustGraph(t, tasks); c.Hash() == a.Hash() {
		t.Fatal("hash did not change with a task command")
	}
}

func TestSelect(t *testing.T) {
	g := mustGraph(t, pipeline())

	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"pulls dependencies", Filter{Include: []string{"test"}}, []string{"lint", "test"}},
		{"no dependencies", Filter{Include: []string{"test"}, NoDependencies: true}, []string{"test"}},
		{"with dependents", Filter{Include: []string{"build"}, NoDependencies: true, WithDependents: true}, []string{"build", "publish"}},
		{"exclude", Filter{Exclude: []string{"pub*"}}, []string{"build", "lint", "test"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub, err := g.Select(tc.filter)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if got := sub.Names(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Select = %v, want %v", got, tc.want)
			}
		})
	}

	sub, err := g.Select(Filter{Include: []string{"publish"}, NoDependencies: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if deps := sub.Dependencies("publish"); len(deps) != 0 {
		t.Fatalf("edges to unselected tasks kept: %v", deps)
	}

	if _, err := g.Select(Filter{Include: []string{"nothing"}}); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("empty selection: %v", err)
	}
	if _, err := g.Select(Filter{Include: []string{"[bad"}}); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("bad pattern: %v", err)
	}
}

func TestSelect_Packages(t *testing.T) {
	g := mustGraph(t, []Task{
		{Name: "core#build", Command: "x", Package: "core"},
		{Name: "ui#build", Command: "x", Package: "ui", Dependencies: []string{"core#build"}},
		{Name: "app#build", Command: "x", Package: "app", Dependencies: []string{"ui#build"}},
	})
	sub, err := g.Select(Filter{Packages: []string{"ui"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := sub.Names(); !reflect.DeepEqual(got, []string{"core#build", "ui#build"}) {
		t.Fatalf("Select = %v", got)
	}
}
