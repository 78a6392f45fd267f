// Package trace records what a task run decided, independent of timing.
//
// A trace holds logical transitions only: no timestamps, durations or error
// text. Two runs of the same graph that make the same decisions produce the
// same canonical bytes and hash, whatever order events were recorded in.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// EventKind discriminates Event. The values are part of the canonical bytes.
type EventKind string

const (
	EventTaskDispatched EventKind = "TaskDispatched"
	EventTaskSucceeded  EventKind = "TaskSucceeded"
	EventTaskFailed     EventKind = "TaskFailed"
	EventTaskTimedOut   EventKind = "TaskTimedOut"
	EventTaskCancelled  EventKind = "TaskCancelled"
	EventTaskSkipped    EventKind = "TaskSkipped"
)

var kindOrder = map[EventKind]int{
	EventTaskDispatched: 10,
	EventTaskSucceeded:  20,
	EventTaskFailed:     30,
	EventTaskTimedOut:   40,
	EventTaskCancelled:  50,
	EventTaskSkipped:    60,
}

// Event is a single logical transition.
type Event struct {
	Kind   EventKind `json:"kind"`
	TaskID string    `json:"taskId"`
	// Reason is a stable code such as "NonZeroExit" or "UpstreamFailed".
	Reason string `json:"reason,omitempty"`
	// CauseTaskID names the upstream task behind a skip.
	CauseTaskID string `json:"causeTaskId,omitempty"`
	ExitCode    int    `json:"exitCode,omitempty"`
}

// ExecutionTrace is the record of one run of a graph.
type ExecutionTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks required fields.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if _, ok := kindOrder[e.Kind]; !ok {
			return fmt.Errorf("events[%d]: unknown kind %q", i, e.Kind)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d]: taskId is required", i)
		}
	}
	return nil
}

// Canonicalize sorts events by (taskId, kind, reason, causeTaskId, exitCode).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.CauseTaskID != b.CauseTaskID {
			return a.CauseTaskID < b.CauseTaskID
		}
		return a.ExitCode < b.ExitCode
	})
}

// CanonicalJSON encodes a canonicalized copy of t.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{GraphHash: t.GraphHash, Events: append([]Event{}, t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Hash is the sha256 of the canonical JSON.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}
