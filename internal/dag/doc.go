// Package dag schedules release tasks.
//
// It is split into:
//   - an immutable, validated task graph (TaskGraph) with a stable GraphHash
//   - per-run mutable state (ExecutionState) driven by the Scheduler
//
// The graph identity is computed from task definitions and canonicalized edge
// structure, so it does not depend on the order tasks were declared in.
package dag
