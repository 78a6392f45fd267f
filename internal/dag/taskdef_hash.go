package dag

import (
	"sort"
	"strconv"
)

// computeTaskDefHash covers every field that changes what a task does or
// when it may run. Dependencies and env keys are hashed sorted.
func computeTaskDefHash(t Task) TaskDefHash {
	var w hashWriter
	w.str(t.Name)
	w.str(t.Command)
	w.str(t.Package)
	w.str(t.Dir)

	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.count(len(keys))
	for _, k := range keys {
		w.str(k)
		w.str(t.Env[k])
	}

	deps := append([]string(nil), t.Dependencies...)
	sort.Strings(deps)
	w.count(len(deps))
	for _, d := range deps {
		w.str(d)
	}

	w.str(t.Timeout.String())
	w.str(strconv.FormatBool(t.IgnoreError))
	w.str(strconv.Itoa(t.Priority))
	return TaskDefHash(w.sum())
}
