package release

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"monorel/internal/apply"
	"monorel/internal/changelog"
	"monorel/internal/changeset"
	"monorel/internal/dag"
	"monorel/internal/errs"
	"monorel/internal/resolve"
	"monorel/internal/semver"
	"monorel/internal/vcs"
	"monorel/internal/workspace"
)

// PackageRegistry publishes released packages. monorel ships no
// implementation; callers may plug one in after Release.
type PackageRegistry interface {
	Published(ctx context.Context, name string, version semver.Version) (bool, error)
	Publish(ctx context.Context, pkg *workspace.Package, version semver.Version) error
}

// ReleaseOptions control one release.
type ReleaseOptions struct {
	PlanOptions
	DryRun   bool
	NoTasks  bool
	NoCommit bool
	NoTag    bool
}

// Result is everything a release did, or would do in a dry run.
type Result struct {
	RunID   string        `json:"run_id"`
	Plan    *resolve.Plan `json:"plan"`
	Applied *apply.Result `json:"applied,omitempty"`
	// Changelogs maps package name to the rendered section.
	Changelogs map[string]string `json:"changelogs,omitempty"`
	Archived   []string          `json:"archived,omitempty"`
	Commit     string            `json:"commit,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Tasks      *dag.RunResult    `json:"tasks,omitempty"`
	DryRun     bool              `json:"dry_run"`
}

// TagName is the release tag of a package version.
func TagName(prefix, pkg string, v semver.Version) string {
	return pkg + "@" + prefix + v.String()
}

// Release plans, applies new versions, writes changelogs, runs the default
// tasks for released packages, consumes changesets and finally commits and
// tags. Snapshot releases only rewrite manifests and run tasks.
func (e *Engine) Release(ctx context.Context, opts ReleaseOptions) (*Result, error) {
	ws, _, mgr, err := e.loaded()
	if err != nil {
		return nil, err
	}
	cfg := e.Config()
	res := &Result{RunID: newRunID(), DryRun: opts.DryRun}
	logger := e.logger.With("run_id", res.RunID)

	if !opts.DryRun && opts.Snapshot == "" {
		if res.Archived, err = e.archiveMerged(mgr, cfg.Versioning.TagPrefix); err != nil {
			return res, err
		}
	}

	plan, pending, err := e.Plan(ctx, opts.PlanOptions)
	if err != nil {
		return nil, err
	}
	res.Plan = plan
	released := releasedOf(plan)
	if len(released) == 0 {
		logger.Info("nothing to release", "archived", len(res.Archived))
		return res, nil
	}

	pkgs := make(map[string]*workspace.Package, len(released))
	for _, p := range released {
		pkg, _ := ws.Package(p.Name)
		pkgs[p.Name] = pkg
	}
	var rl *runLog
	if !opts.DryRun {
		rl = e.startRun(ws.Root, res.RunID, opts.Snapshot, released, logger)
	}

	applied, err := apply.New(e.opts.FS, e.opts.Logger).Apply(ctx, plan, ws, apply.Options{DryRun: opts.DryRun})
	if err != nil {
		return nil, rl.fail(StepApply, err)
	}
	res.Applied = applied
	snapshot := opts.Snapshot != ""
	var touched []string
	for _, w := range applied.Writes {
		touched = append(touched, w.Path)
	}
	rl.step(StepApply, touched)

	if !snapshot {
		res.Changelogs = make(map[string]string, len(released))
		var written []string
		for _, p := range released {
			section, path, err := e.changelogFor(ctx, p, pkgs[p.Name], pending)
			if err != nil {
				return nil, rl.fail(StepChangelog, err)
			}
			res.Changelogs[p.Name] = section
			if opts.DryRun {
				continue
			}
			if err := changelog.Update(e.opts.FS, path, section); err != nil {
				return nil, rl.fail(StepChangelog, err)
			}
			written = append(written, path)
		}
		touched = append(touched, written...)
		rl.step(StepChangelog, written)
	}
	if opts.DryRun {
		logger.Info("dry run complete", "packages", len(released))
		return res, nil
	}

	if !opts.NoTasks && len(cfg.Tasks.Default) > 0 {
		names := make([]string, 0, len(released))
		for _, p := range released {
			names = append(names, p.Name)
		}
		run, err := e.RunTasks(ctx, cfg.Tasks.Default, names, dag.Filter{})
		res.Tasks = run
		if err != nil {
			return res, rl.fail(StepTasks, fmt.Errorf("release tasks: %w", err))
		}
		rl.step(StepTasks, nil)
	}

	if !snapshot {
		versions := make(map[string]semver.Version, len(released))
		for _, p := range released {
			versions[p.Name] = p.New
		}
		for _, cs := range pending {
			v, ok := versions[cs.Package]
			if !ok {
				continue
			}
			if _, err := mgr.MarkMerged(cs.ID, v.String()); err != nil {
				return res, rl.fail(StepArchive, err)
			}
			info := changeset.ReleaseInfo{
				Version:    v.String(),
				ReleasedAt: e.opts.Now(),
				Tag:        TagName(cfg.Versioning.TagPrefix, cs.Package, v),
			}
			if err := mgr.Archive(cs.ID, info); err != nil {
				return res, rl.fail(StepArchive, err)
			}
			res.Archived = append(res.Archived, cs.ID)
		}
		if len(res.Archived) > 0 {
			dir := cfg.Changesets.Dir
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(ws.Root, dir)
			}
			touched = append(touched, dir)
			rl.step(StepArchive, []string{dir})
		}
	}

	if opts.NoCommit || snapshot || e.opts.Repo == nil {
		rl.finish(res)
		logger.Info("release applied", "packages", len(released), "committed", false)
		return res, nil
	}
	slices.Sort(touched)
	touched = slices.Compact(touched)
	hash, err := e.opts.Repo.Commit(ctx, touched, commitMessage(released))
	if err != nil {
		return res, rl.fail(StepCommit, err)
	}
	res.Commit = hash
	rl.step(StepCommit, touched)

	if cfg.Versioning.AutoTag && !opts.NoTag {
		for _, p := range released {
			tag := TagName(cfg.Versioning.TagPrefix, p.Name, p.New)
			if err := e.opts.Repo.CreateTag(ctx, tag, p.Name+" "+p.New.String()); err != nil {
				return res, rl.fail(StepTag, err)
			}
			res.Tags = append(res.Tags, tag)
		}
		rl.step(StepTag, nil)
	}
	rl.finish(res)
	logger.Info("release complete", "packages", len(released), "commit", hash, "tags", len(res.Tags))
	return res, nil
}

func releasedOf(plan *resolve.Plan) []*resolve.PackagePlan {
	var out []*resolve.PackagePlan
	for _, p := range plan.Sorted() {
		if p.Released() {
			out = append(out, p)
		}
	}
	return out
}

func commitMessage(released []*resolve.PackagePlan) string {
	var b strings.Builder
	b.WriteString("chore(release): publish packages\n\n")
	for _, p := range released {
		fmt.Fprintf(&b, "- %s@%s\n", p.Name, p.New)
	}
	return b.String()
}

// changelogFor renders the section for one released package from its
// changesets and the conventional commits since its previous tag.
func (e *Engine) changelogFor(ctx context.Context, p *resolve.PackagePlan, pkg *workspace.Package, pending []*changeset.Changeset) (string, string, error) {
	cfg := e.Config()
	var own []*changeset.Changeset
	for _, cs := range pending {
		if cs.Package == p.Name {
			own = append(own, cs)
		}
	}
	entries := changelog.EntriesFromChangesets(own)

	if e.opts.Repo != nil {
		prefix := p.Name + "@" + cfg.Versioning.TagPrefix
		last, err := e.opts.Repo.LatestTag(ctx, prefix)
		if err != nil {
			return "", "", err
		}
		commits, err := e.opts.Repo.CommitsBetween(ctx, last, "")
		if err != nil {
			return "", "", err
		}
		for _, c := range commits {
			if !touchesPackage(c, p.Name, pkg) {
				continue
			}
			if entry, ok := changelog.ParseCommit(c.Hash, c.Message()); ok {
				entries = append(entries, entry)
			}
		}
	}
	if len(entries) == 0 {
		entries = append(entries, dependencyEntry(p))
	}

	b, err := changelog.NewBuilder(changelog.Options{
		Types:           cfg.Changelog.Types,
		GroupByScope:    cfg.Changelog.GroupByScope,
		IncludeBreaking: cfg.Changelog.IncludeBreakingChanges,
		Header:          cfg.Changelog.HeaderTemplate,
		RepositoryURL:   cfg.Changelog.RepositoryURL,
		TagPrefix:       p.Name + "@" + cfg.Versioning.TagPrefix,
	})
	if err != nil {
		return "", "", err
	}
	section, err := b.Render(changelog.Release{
		Package:         p.Name,
		Version:         p.New.String(),
		PreviousVersion: p.Old.String(),
		Date:            e.opts.Now(),
		Entries:         entries,
	})
	if err != nil {
		return "", "", err
	}
	dir := ""
	if pkg != nil {
		dir = pkg.Dir
	}
	return section, filepath.Join(dir, cfg.Changelog.FileName), nil
}

// touchesPackage matches a commit by scope, or by files when the repository
// reports them.
func touchesPackage(c vcs.Commit, name string, pkg *workspace.Package) bool {
	if entry, ok := changelog.ParseCommit(c.Hash, c.Message()); ok && entry.Scope == name {
		return true
	}
	if pkg == nil || pkg.RelDir == "" {
		return false
	}
	return slices.ContainsFunc(c.Files, func(f string) bool {
		return f == pkg.RelDir || strings.HasPrefix(f, pkg.RelDir+"/")
	})
}

// dependencyEntry describes a release caused only by propagation.
func dependencyEntry(p *resolve.PackagePlan) changelog.Entry {
	var deps []string
	for _, u := range p.DependencyUpdates {
		deps = append(deps, u.Dependency+"@"+u.NewRange)
	}
	desc := "Updated dependencies"
	if len(deps) > 0 {
		desc += ": " + strings.Join(deps, ", ")
	}
	return changelog.Entry{Type: "fix", Description: desc}
}

// HookResult is the outcome of a git hook run.
type HookResult struct {
	Hook     string         `json:"hook"`
	Skipped  bool           `json:"skipped"`
	Affected []string       `json:"affected,omitempty"`
	Tasks    *dag.RunResult `json:"tasks,omitempty"`
}

// archiveMerged finishes changesets left merged but unarchived by an
// interrupted release.
func (e *Engine) archiveMerged(mgr *changeset.Manager, tagPrefix string) ([]string, error) {
	all, err := mgr.Pending()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, cs := range all {
		if cs.Status.Kind != changeset.StatusMerged {
			continue
		}
		info := changeset.ReleaseInfo{Version: cs.Status.FinalVersion, ReleasedAt: cs.Status.MergedAt}
		if v, err := semver.Parse(cs.Status.FinalVersion); err == nil {
			info.Tag = TagName(tagPrefix, cs.Package, v)
		}
		if err := mgr.Archive(cs.ID, info); err != nil {
			return ids, fmt.Errorf("archive merged changeset: %w", err)
		}
		e.logger.Info("archived merged changeset", "id", cs.ID, "version", cs.Status.FinalVersion)
		ids = append(ids, cs.ID)
	}
	return ids, nil
}

// RunHook runs a configured git hook. pre-push additionally requires a
// pending changeset for every changed package when changesets.required is
// set.
func (e *Engine) RunHook(ctx context.Context, name, since string) (*HookResult, error) {
	cfg := e.Config()
	hook, ok := cfg.Hooks.Hook(name)
	if !ok {
		return nil, errs.New(errs.ErrConfigInvalid, "run hook", "unknown hook %q", name)
	}
	st, err := e.Status(ctx, since)
	if err != nil {
		return nil, err
	}
	res := &HookResult{Hook: name, Affected: st.Affected}

	if (name == "pre-push" || name == "pre_push") && cfg.Changesets.Required {
		pending, err := e.Changesets().Pending()
		if err != nil {
			return nil, err
		}
		ws := e.Workspace()
		var missing []string
		for _, pkg := range st.Report.Affected {
			if p, ok := ws.Package(pkg); ok && p.Unversioned {
				continue
			}
			if !slices.ContainsFunc(pending, func(cs *changeset.Changeset) bool { return cs.Package == pkg }) {
				missing = append(missing, pkg)
			}
		}
		if len(missing) > 0 {
			return res, errs.New(errs.ErrInvalidChangeset, "pre-push", "changed packages without a changeset: %s", strings.Join(missing, ", "))
		}
	}

	if !hook.Enabled || len(hook.Tasks) == 0 || len(st.Affected) == 0 {
		res.Skipped = true
		return res, nil
	}
	run, err := e.RunTasks(ctx, hook.Tasks, st.Affected, dag.Filter{})
	res.Tasks = run
	return res, err
}
