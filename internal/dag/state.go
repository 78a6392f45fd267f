package dag

import (
	"container/heap"
	"fmt"
	"sort"
)

// TaskState is the runtime state of one task in a run.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "success"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
	TaskCancelled TaskState = "cancelled"
	TaskSkipped   TaskState = "skipped"
)

// ExecutionState maps task name to its current state.
type ExecutionState map[string]TaskState

// IsTerminal reports whether s is final.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// satisfies reports whether a dependency in state s lets its dependents run.
func satisfies(s TaskState, ignoreError bool) bool {
	if s == TaskSucceeded {
		return true
	}
	return ignoreError && (s == TaskFailed || s == TaskTimedOut)
}

// Transition validates and applies one state change.
func Transition(state ExecutionState, name string, from, to TaskState) error {
	cur, ok := state[name]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	state[name] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped || to == TaskCancelled
	case TaskRunning:
		return to == TaskSucceeded || to == TaskFailed || to == TaskTimedOut || to == TaskCancelled
	}
	return false
}

// SkipDependents marks every pending task downstream of name as skipped and
// returns them in canonical order. A running downstream task is an
// invariant violation.
func SkipDependents(g *TaskGraph, state ExecutionState, name string) ([]string, error) {
	node, ok := g.nodesByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown task: %q", name)
	}

	visited := make([]bool, len(g.nodes))
	visited[node.canonicalIndex] = true
	hq := &intMinHeap{}
	for _, d := range g.outgoing[node.canonicalIndex] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true
		n := g.nodes[u].Name
		switch state[n] {
		case TaskPending:
			state[n] = TaskSkipped
			skipped = append(skipped, n)
		case TaskRunning:
			return skipped, fmt.Errorf("invariant violation: downstream task %q is running while %q failed", n, name)
		}
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}

// GetReadyTasks returns the pending tasks whose dependencies are satisfied,
// ordered by priority descending then name ascending.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []string {
	var ready []string
	for _, node := range g.nodes {
		if state[node.Name] != TaskPending {
			continue
		}
		ok := true
		for _, p := range g.incoming[node.canonicalIndex] {
			dep := g.nodes[p]
			if !satisfies(state[dep.Name], dep.Task.IgnoreError) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, node.Name)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := g.nodesByName[ready[i]].Task.Priority, g.nodesByName[ready[j]].Task.Priority
		if pi != pj {
			return pi > pj
		}
		return ready[i] < ready[j]
	})
	return ready
}
