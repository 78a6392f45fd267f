package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"monorel/internal/errs"
	"monorel/internal/logging"
	"monorel/internal/process"
	"monorel/internal/trace"
)

// DefaultMaxConcurrent is used when Options.MaxConcurrent is not positive.
const DefaultMaxConcurrent = 4

// Options tune a Scheduler.
type Options struct {
	MaxConcurrent int
	// FailFast stops dispatch and cancels running tasks after the first
	// failure of a task without IgnoreError.
	FailFast bool
	Sink     trace.Sink
	Metrics  *Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler runs a TaskGraph on a worker pool.
type Scheduler struct {
	graph  *TaskGraph
	runner process.Runner
	opts   Options
	logger *slog.Logger
}

// NewScheduler validates its inputs and applies defaults.
func NewScheduler(g *TaskGraph, runner process.Runner, opts Options) (*Scheduler, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}
	if runner == nil {
		return nil, errors.New("nil runner")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Sink == nil {
		opts.Sink = trace.NopSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{graph: g, runner: runner, opts: opts, logger: logging.Or(opts.Logger, "scheduler")}, nil
}

type workItem struct {
	name string
	task Task
}

type workResult struct {
	name     string
	result   *process.Result
	err      error
	timedOut bool
	started  time.Time
	finished time.Time
}

func (s *Scheduler) work(runCtx context.Context, w workItem) workResult {
	out := workResult{name: w.name, started: s.opts.Now()}
	if err := runCtx.Err(); err != nil {
		out.err = err
		out.finished = out.started
		return out
	}
	taskCtx := runCtx
	if w.task.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(runCtx, w.task.Timeout)
		defer cancel()
	}
	out.result, out.err = s.runner.Run(taskCtx, process.Command{Command: w.task.Command, Dir: w.task.Dir, Env: w.task.Env})
	out.finished = s.opts.Now()
	out.timedOut = out.err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil
	return out
}

func (s *Scheduler) record(e trace.Event) { trace.SafeRecord(s.opts.Sink, e) }

// Run executes the graph. The returned error reports scheduler faults only;
// task failures are in the result (see RunResult.Err).
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	g := s.graph
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	state := make(ExecutionState, len(g.nodes))
	results := make(map[string]*TaskResult, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = TaskPending
		results[n.Name] = &TaskResult{Name: n.Name, Status: TaskPending}
	}

	workCh := make(chan workItem)
	doneCh := make(chan workResult, len(g.nodes))
	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	workers := min(s.opts.MaxConcurrent, len(g.nodes))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				doneCh <- s.work(runCtx, w)
			}
		}()
	}
	defer stopWorkers()

	var (
		order      []string
		inFlight   int
		stopping   bool
		failed     bool
		cancelled  bool
		parentDone = ctx.Done()
	)

	for {
		if !stopping {
			for _, name := range GetReadyTasks(g, state) {
				if inFlight >= s.opts.MaxConcurrent {
					break
				}
				if err := Transition(state, name, TaskPending, TaskRunning); err != nil {
					return nil, err
				}
				order = append(order, name)
				inFlight++
				if s.opts.Metrics != nil {
					s.opts.Metrics.Running.Inc()
				}
				s.record(trace.Event{Kind: trace.EventTaskDispatched, TaskID: name})
				s.logger.Debug("task dispatched", "task", name)
				workCh <- workItem{name: name, task: g.nodesByName[name].Task}
			}
		}
		if inFlight == 0 {
			break
		}

		select {
		case <-parentDone:
			parentDone = nil
			stopping, cancelled = true, true
			cancelRun()
			s.logger.Warn("run cancelled", "in_flight", inFlight)
		case r := <-doneCh:
			inFlight--
			if s.opts.Metrics != nil {
				s.opts.Metrics.Running.Dec()
			}
			status, err := s.complete(state, results, r)
			if err != nil {
				return nil, err
			}
			task := g.nodesByName[r.name].Task
			if (status == TaskFailed || status == TaskTimedOut) && !task.IgnoreError {
				failed = true
				if s.opts.FailFast {
					if !stopping {
						s.logger.Warn("fail-fast: stopping dispatch", "task", r.name)
					}
					stopping = true
					cancelRun()
					continue
				}
				skipped, err := SkipDependents(g, state, r.name)
				if err != nil {
					return nil, err
				}
				for _, name := range skipped {
					results[name].Status = TaskSkipped
					s.record(trace.Event{Kind: trace.EventTaskSkipped, TaskID: name, Reason: "UpstreamFailed", CauseTaskID: r.name})
					s.opts.Metrics.observe(results[name])
				}
			}
		}
	}

	if ctx.Err() != nil {
		cancelled = true
	}
	// Whatever never dispatched is skipped after a failure, or cancelled with the run.
	for _, name := range g.TopologicalOrder() {
		if state[name] != TaskPending {
			continue
		}
		to, reason := TaskSkipped, "FailFast"
		switch {
		case cancelled:
			to, reason = TaskCancelled, "RunCancelled"
		case !failed:
			reason = "UpstreamCancelled"
		}
		if err := Transition(state, name, TaskPending, to); err != nil {
			return nil, err
		}
		results[name].Status = to
		kind := trace.EventTaskSkipped
		if to == TaskCancelled {
			kind = trace.EventTaskCancelled
		}
		s.record(trace.Event{Kind: kind, TaskID: name, Reason: reason})
		s.opts.Metrics.observe(results[name])
	}

	status := RunSucceeded
	switch {
	case cancelled:
		status = RunCancelled
	case failed:
		status = RunFailed
	}
	res := &RunResult{GraphHash: g.Hash(), Status: status, Results: results, ExecutionOrder: order}
	if rec, ok := s.opts.Sink.(*trace.Recorder); ok {
		res.Trace = rec.Trace(g.Hash().String())
	}
	s.logger.Info("run finished", "status", string(status), "tasks", len(g.nodes), "dispatched", len(order))
	return res, nil
}

func (s *Scheduler) complete(state ExecutionState, results map[string]*TaskResult, r workResult) (TaskState, error) {
	res := results[r.name]
	res.StartedAt, res.FinishedAt = r.started, r.finished
	res.Duration = r.finished.Sub(r.started)
	if r.result != nil {
		res.ExitCode = r.result.ExitCode
		res.Stdout, res.Stderr = r.result.Stdout, r.result.Stderr
	}

	ev := trace.Event{TaskID: r.name}
	switch {
	case r.err == nil && r.result == nil:
		return "", fmt.Errorf("task %q: runner returned no result", r.name)
	case r.err == nil && r.result.ExitCode == 0:
		res.Status, ev.Kind = TaskSucceeded, trace.EventTaskSucceeded
	case r.err == nil:
		res.Status, ev.Kind, ev.Reason, ev.ExitCode = TaskFailed, trace.EventTaskFailed, "NonZeroExit", r.result.ExitCode
	case r.timedOut:
		res.Status, ev.Kind, ev.Reason = TaskTimedOut, trace.EventTaskTimedOut, "Timeout"
		res.Err = r.err
	case errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded):
		res.Status, ev.Kind, ev.Reason = TaskCancelled, trace.EventTaskCancelled, "RunCancelled"
		res.Err = r.err
	default:
		res.Status, ev.Kind, ev.Reason = TaskFailed, trace.EventTaskFailed, "StartError"
		res.Err = r.err
	}
	if err := Transition(state, r.name, TaskRunning, res.Status); err != nil {
		return "", err
	}
	s.record(ev)
	s.opts.Metrics.observe(res)
	s.logger.Info("task finished", "task", r.name, "status", string(res.Status), "exit_code", res.ExitCode, "duration", res.Duration)
	return res.Status, nil
}

// Err classifies a non-successful run, or returns nil.
func (r *RunResult) Err() error {
	switch r.Status {
	case RunSucceeded:
		return nil
	case RunCancelled:
		return errs.New(errs.ErrTaskCancelled, "run tasks", "run cancelled")
	}
	failed := r.Failed()
	kind := errs.ErrTaskFailed
	if len(failed) > 0 && r.Results[failed[0]].Status == TaskTimedOut {
		kind = errs.ErrTaskTimedOut
	}
	return errs.New(kind, "run tasks", "%v", failed)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
