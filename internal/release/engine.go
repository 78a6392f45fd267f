// Package release composes discovery, change detection, changesets,
// resolution, application, changelogs and tasks into release workflows.
package release

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"monorel/internal/changes"
	"monorel/internal/changeset"
	"monorel/internal/config"
	"monorel/internal/dag"
	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/graph"
	"monorel/internal/logging"
	"monorel/internal/process"
	"monorel/internal/resolve"
	"monorel/internal/semver"
	"monorel/internal/trace"
	"monorel/internal/vcs"
	"monorel/internal/workspace"
)

// Options wires an Engine to its collaborators. Only FS is required.
type Options struct {
	FS     fsys.FileSystem
	Repo   vcs.Repo
	Runner process.Runner
	// Config defaults to a manager holding the built-in defaults.
	Config *config.Manager
	// Changesets overrides the file storage under the workspace root.
	Changesets changeset.Storage
	Metrics    *dag.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine runs release workflows for one workspace. Load must be called
// before any other operation.
type Engine struct {
	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex
	ws         *workspace.Workspace
	graph      *graph.Graph
	changesets *changeset.Manager
}

func New(opts Options) (*Engine, error) {
	if opts.FS == nil {
		return nil, errors.New("release: nil file system")
	}
	if opts.Config == nil {
		opts.Config = config.NewManager(config.Options{FS: opts.FS, NoUserConfig: true, Logger: opts.Logger})
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{opts: opts, logger: logging.Or(opts.Logger, "release")}, nil
}

// Config is the active configuration.
func (e *Engine) Config() *config.Config { return e.opts.Config.Current() }

// Repo is the repository the engine reads changes from, or nil.
func (e *Engine) Repo() vcs.Repo { return e.opts.Repo }

// Workspace is the loaded workspace.
func (e *Engine) Workspace() *workspace.Workspace {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ws
}

// Graph is the dependency graph of the loaded workspace.
func (e *Engine) Graph() *graph.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph
}

// Changesets is the changeset manager of the loaded workspace.
func (e *Engine) Changesets() *changeset.Manager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.changesets
}

func (e *Engine) loaded() (*workspace.Workspace, *graph.Graph, *changeset.Manager, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ws == nil {
		return nil, nil, nil, errs.New(errs.ErrWorkspaceNotFound, "release", "workspace not loaded")
	}
	return e.ws, e.graph, e.changesets, nil
}

// Load discovers the workspace above start, builds its graph and opens the
// changeset store.
func (e *Engine) Load(ctx context.Context, start string) (*workspace.Workspace, error) {
	cfg := e.Config()
	ws, err := workspace.Discover(ctx, e.opts.FS, start, workspace.Options{
		IncludePrivate: cfg.Workspace.IncludePrivate,
		Patterns:       cfg.Workspace.Patterns,
		Exclude:        cfg.Workspace.Exclude,
		Logger:         e.opts.Logger,
		Now:            e.opts.Now,
	})
	if err != nil {
		return nil, err
	}
	g := graph.Build(ws, graph.Options{SkipDevDependencies: !cfg.Versioning.IncludeDevDependencies})
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		e.logger.Warn("dependency cycles detected", "cycles", cycles)
	}

	storage := e.opts.Changesets
	if storage == nil {
		storage = changeset.NewFileStorage(e.opts.FS, ws.Root, cfg.Changesets.Dir, e.opts.Logger)
	}
	mgr := changeset.NewManager(storage, changeset.ManagerOptions{
		Packages:            ws.Names(),
		Environments:        cfg.EnvironmentNames(),
		DefaultEnvironments: cfg.Changesets.DefaultEnvironments,
		Now:                 e.opts.Now,
		Logger:              e.opts.Logger,
	})

	e.mu.Lock()
	e.ws, e.graph, e.changesets = ws, g, mgr
	e.mu.Unlock()
	return ws, nil
}

// Status is the change picture since a ref.
type Status struct {
	Since  string           `json:"since"`
	Files  []vcs.FileChange `json:"files"`
	Report *changes.Report  `json:"report"`
	// Affected holds the changed packages and everything depending on them.
	Affected []string `json:"affected"`
}

func (e *Engine) repo() (vcs.Repo, error) {
	if e.opts.Repo == nil {
		return nil, errs.New(errs.ErrVcs, "release", "no repository configured")
	}
	return e.opts.Repo, nil
}

// baseRef resolves an empty since to the newest tag, or the start of history.
func (e *Engine) baseRef(ctx context.Context, since string) (string, error) {
	if since != "" {
		return since, nil
	}
	repo, err := e.repo()
	if err != nil {
		return "", err
	}
	return repo.LatestTag(ctx, "")
}

// Status classifies working-tree changes since the given ref.
func (e *Engine) Status(ctx context.Context, since string) (*Status, error) {
	ws, g, _, err := e.loaded()
	if err != nil {
		return nil, err
	}
	repo, err := e.repo()
	if err != nil {
		return nil, err
	}
	since, err = e.baseRef(ctx, since)
	if err != nil {
		return nil, err
	}
	files, err := repo.ChangedFiles(ctx, since, vcs.WorkingTree)
	if err != nil {
		return nil, err
	}
	det, err := e.detector()
	if err != nil {
		return nil, err
	}
	report := det.Detect(ws, files)
	return &Status{Since: since, Files: files, Report: report, Affected: g.AffectedSet(report.Affected)}, nil
}

func (e *Engine) detector() (*changes.Detector, error) {
	rules := changes.DefaultRules()
	bump, err := semver.ParseBump(e.Config().Versioning.DefaultBump)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfigInvalid, "versioning.default_bump", err)
	}
	rules.DefaultBump = bump
	return changes.NewDetector(rules, e.opts.Logger)
}

func policyFrom(v config.Versioning) (resolve.Policy, error) {
	prop, err := semver.ParseBump(v.PropagationBump)
	if err != nil {
		return resolve.Policy{}, errs.Wrap(errs.ErrConfigInvalid, "versioning.propagation_bump", err)
	}
	base, err := semver.ParseBump(v.SnapshotBase)
	if err != nil {
		return resolve.Policy{}, errs.Wrap(errs.ErrConfigInvalid, "versioning.snapshot_base", err)
	}
	cycles, err := resolve.ParseCyclePolicy(v.CyclePolicy)
	if err != nil {
		return resolve.Policy{}, err
	}
	return resolve.Policy{
		PropagationBump: prop,
		Propagate:       v.Propagate,
		Cycles:          cycles,
		SnapshotBase:    base,
		SnapshotFormat:  v.SnapshotFormat,
	}, nil
}

// PlanOptions select the inputs of a plan.
type PlanOptions struct {
	// UseDetector adds change-detector suggestions since Since.
	UseDetector bool
	Since       string
	// Snapshot turns every changeset bump into a snapshot of this sha.
	Snapshot string
}

// Plan resolves pending changesets (and optionally detected changes) into a
// release plan without touching any file.
func (e *Engine) Plan(ctx context.Context, opts PlanOptions) (*resolve.Plan, []*changeset.Changeset, error) {
	ws, g, mgr, err := e.loaded()
	if err != nil {
		return nil, nil, err
	}
	pending, err := mgr.Pending()
	if err != nil {
		return nil, nil, err
	}
	// Merged changesets were already released; only their archiving is
	// outstanding.
	pending = slices.DeleteFunc(pending, func(cs *changeset.Changeset) bool {
		return cs.Status.Kind == changeset.StatusMerged
	})
	policy, err := policyFrom(e.Config().Versioning)
	if err != nil {
		return nil, nil, err
	}

	in := resolve.Input{Changesets: pending}
	if opts.Snapshot != "" {
		in.Changesets = make([]*changeset.Changeset, 0, len(pending))
		for _, cs := range pending {
			c := cs.Clone()
			c.Bump = semver.Snapshot(opts.Snapshot)
			in.Changesets = append(in.Changesets, c)
		}
	}
	if opts.UseDetector {
		st, err := e.Status(ctx, opts.Since)
		if err != nil {
			return nil, nil, err
		}
		in.Suggestions = st.Report.Suggestions()
		if opts.Snapshot != "" {
			for name := range in.Suggestions {
				in.Suggestions[name] = semver.Snapshot(opts.Snapshot)
			}
		}
	}

	plan, err := resolve.New(ws, g, policy, e.opts.Logger).Resolve(in)
	if err != nil {
		return nil, nil, err
	}
	return plan, pending, nil
}

// RunTasks runs the named tasks. A name is a configured task definition or
// a package script; scripts run in every package that defines them, limited
// to packages when that is non-empty.
func (e *Engine) RunTasks(ctx context.Context, names, packages []string, filter dag.Filter) (*dag.RunResult, error) {
	ws, g, _, err := e.loaded()
	if err != nil {
		return nil, err
	}
	cfg := e.Config()
	if len(packages) == 0 {
		packages = ws.Names()
	}

	var tasks []dag.Task
	added := map[string]bool{}
	var addDef func(name string)
	addDef = func(name string) {
		if added[name] {
			return
		}
		def, _ := cfg.Tasks.Definition(name)
		added[name] = true
		if def.Timeout == 0 {
			def.Timeout = cfg.Tasks.Timeout
		}
		if def.Dir == "" {
			def.Dir = ws.Root
		}
		tasks = append(tasks, def)
		for _, dep := range def.Dependencies {
			addDef(dep)
		}
	}

	var scripts []string
	for _, name := range names {
		if _, ok := cfg.Tasks.Definition(name); ok {
			addDef(name)
			continue
		}
		scripts = append(scripts, name)
	}
	if len(scripts) > 0 {
		pkgTasks, err := dag.TasksForPackages(ws, g, packages, scripts)
		if err != nil {
			return nil, err
		}
		for _, script := range scripts {
			if !slices.ContainsFunc(pkgTasks, func(t dag.Task) bool { return t.Name == dag.PackageTaskName(t.Package, script) }) {
				return nil, errs.New(errs.ErrConfigInvalid, "run tasks", "no task definition or package script named %q", script)
			}
		}
		for _, t := range pkgTasks {
			t.Timeout = cfg.Tasks.Timeout
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return nil, errs.New(errs.ErrConfigInvalid, "run tasks", "nothing to run")
	}

	tg, err := dag.NewTaskGraph(tasks)
	if err != nil {
		return nil, err
	}
	if !isZeroFilter(filter) {
		if tg, err = tg.Select(filter); err != nil {
			return nil, err
		}
	}

	runner := e.opts.Runner
	if runner == nil {
		runner = process.ExecRunner{Grace: process.DefaultGrace}
	}
	rec := trace.NewRecorder()
	sched, err := dag.NewScheduler(tg, runner, dag.Options{
		MaxConcurrent: cfg.Tasks.Concurrency(),
		FailFast:      cfg.Tasks.FailFast,
		Sink:          rec,
		Metrics:       e.opts.Metrics,
		Logger:        e.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	res, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

func isZeroFilter(f dag.Filter) bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0 && len(f.Packages) == 0 && !f.NoDependencies && !f.WithDependents
}

func newRunID() string { return uuid.NewString() }
