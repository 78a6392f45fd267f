package dag

import (
	"time"

	"monorel/internal/trace"
)

// RunStatus is the aggregate outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// TaskResult is the outcome of one task.
type TaskResult struct {
	Name       string        `json:"name"`
	Status     TaskState     `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Stdout     []byte        `json:"-"`
	Stderr     []byte        `json:"-"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	// Err describes failures that produced no exit code.
	Err error `json:"-"`
}

// RunResult summarises a run.
type RunResult struct {
	GraphHash GraphHash              `json:"graph_hash"`
	Status    RunStatus              `json:"status"`
	Results   map[string]*TaskResult `json:"results"`
	// ExecutionOrder lists tasks in the order they were dispatched.
	ExecutionOrder []string             `json:"execution_order"`
	Trace          trace.ExecutionTrace `json:"-"`
}

// Failed returns the names of tasks that failed or timed out, sorted.
func (r *RunResult) Failed() []string {
	var out []string
	for _, name := range sortedKeys(r.Results) {
		switch r.Results[name].Status {
		case TaskFailed, TaskTimedOut:
			out = append(out, name)
		}
	}
	return out
}
