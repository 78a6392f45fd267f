package dag

import (
	"errors"
	"fmt"
	"strings"

	"monorel/internal/errs"
)

// Task-graph specific causes. Both are wrapped in an *errs.Error whose kind
// is errs.ErrConfigInvalid or errs.ErrDependencyCycle.
var (
	ErrInvalidGraph = errors.New("invalid task graph")
	ErrCycleFound   = errors.New("task cycle detected")
)

func invalidf(format string, args ...any) error {
	return &errs.Error{
		Kind: errs.ErrConfigInvalid,
		Op:   "task graph",
		Msg:  fmt.Sprintf(format, args...),
		Err:  ErrInvalidGraph,
	}
}

// cycleError reports a cycle with its witness path, first node repeated last.
func cycleError(path []string) error {
	e := &errs.Error{Kind: errs.ErrDependencyCycle, Op: "task graph", Err: ErrCycleFound}
	if len(path) > 0 {
		e.Msg = strings.Join(path, " -> ")
	}
	return e
}
