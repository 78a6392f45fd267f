package dag

import "time"

// GraphHash is the deterministic identity of a TaskGraph.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// TaskDefHash identifies a task definition.
type TaskDefHash string

func (h TaskDefHash) String() string { return string(h) }

// Task is one schedulable unit.
type Task struct {
	Name    string            `json:"name" mapstructure:"name" validate:"required"`
	Command string            `json:"command" mapstructure:"command" validate:"required"`
	Package string            `json:"package,omitempty" mapstructure:"package"`
	Dir     string            `json:"dir,omitempty" mapstructure:"dir"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	// Dependencies name tasks that must finish first.
	Dependencies []string      `json:"dependencies,omitempty" mapstructure:"dependencies"`
	Timeout      time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	// IgnoreError lets dependents run even when this task fails or times out.
	IgnoreError bool `json:"ignore_error,omitempty" mapstructure:"ignore_error"`
	Priority    int  `json:"priority,omitempty" mapstructure:"priority"`
}

// Edge is a dependency: To runs after From.
type Edge struct {
	From string
	To   string
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Name           string
	Task           Task
	DefinitionHash TaskDefHash
	canonicalIndex int
}

// CanonicalIndex is the node's position in the graph's canonical ordering.
func (n *TaskNode) CanonicalIndex() int { return n.canonicalIndex }
