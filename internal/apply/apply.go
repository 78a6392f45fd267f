// Package apply writes a resolved plan back to package manifests as one
// batch: every edit is staged and validated before the first byte hits disk,
// and a failed flush restores the files already written.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/logging"
	"monorel/internal/manifest"
	"monorel/internal/resolve"
	"monorel/internal/semver"
	"monorel/internal/workspace"
)

// Options controls a single Apply call.
type Options struct {
	// DryRun stages and validates without writing.
	DryRun bool
}

// FileWrite is the before/after content of one manifest.
type FileWrite struct {
	Path   string `json:"path"`
	Before string `json:"-"`
	After  string `json:"-"`
}

// AppliedChange summarises the edit made to one package.
type AppliedChange struct {
	Package             string   `json:"package"`
	OldVersion          string   `json:"old_version"`
	NewVersion          string   `json:"new_version"`
	ManifestPath        string   `json:"manifest_path"`
	TouchedDependencies []string `json:"touched_dependencies,omitempty"`
}

// Result is returned by Apply. Writes is the preview in path order.
type Result struct {
	Changes []AppliedChange `json:"changes"`
	Writes  []FileWrite     `json:"writes"`
	DryRun  bool            `json:"dry_run"`
}

// ApplyError reports a failed batch and which files were put back.
type ApplyError struct {
	Kind     error
	Restored []string
	// Unrestored lists files that could not be rolled back.
	Unrestored []string
	Err        error
}

func (e *ApplyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apply: %v: %v", e.Kind, e.Err)
	if len(e.Restored) > 0 {
		fmt.Fprintf(&b, " (restored %s)", strings.Join(e.Restored, ", "))
	}
	if len(e.Unrestored) > 0 {
		fmt.Fprintf(&b, " (could not restore %s)", strings.Join(e.Unrestored, ", "))
	}
	return b.String()
}

func (e *ApplyError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Applier edits manifests through a FileSystem.
type Applier struct {
	fs     fsys.FileSystem
	logger *slog.Logger
}

// New returns an Applier writing through fs.
func New(fs fsys.FileSystem, logger *slog.Logger) *Applier {
	return &Applier{fs: fs, logger: logging.Or(logger, "apply")}
}

type staged struct {
	pkg      *workspace.Package
	plan     *resolve.PackagePlan
	original string
	edited   *manifest.Manifest
	touched  []string
}

func conflictf(format string, args ...any) error {
	return errs.New(errs.ErrApplyConflict, "apply", format, args...)
}

// Apply stages, validates and (unless DryRun) writes plan. On success the
// workspace packages are updated to the new versions and ranges.
func (a *Applier) Apply(ctx context.Context, plan *resolve.Plan, ws *workspace.Workspace, opts Options) (*Result, error) {
	res := &Result{DryRun: opts.DryRun}
	if plan.Empty() {
		return res, nil
	}

	batch, err := a.stage(plan, ws)
	if err != nil {
		return nil, err
	}
	if err := validate(batch, plan, ws); err != nil {
		return nil, err
	}

	for _, s := range batch {
		after := s.edited.String()
		res.Writes = append(res.Writes, FileWrite{Path: s.pkg.ManifestPath, Before: s.original, After: after})
		res.Changes = append(res.Changes, AppliedChange{
			Package:             s.pkg.Name,
			OldVersion:          versionString(s.pkg, s.plan.Old),
			NewVersion:          versionString(s.pkg, s.plan.New),
			ManifestPath:        s.pkg.ManifestPath,
			TouchedDependencies: s.touched,
		})
	}
	if opts.DryRun {
		a.logger.Info("dry run", "manifests", len(batch))
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrTaskCancelled, "apply", err)
	}
	for _, s := range batch {
		current, err := a.fs.ReadString(s.pkg.ManifestPath)
		if err != nil {
			return nil, err
		}
		if current != s.original {
			return nil, conflictf("%s changed on disk while the release was being prepared", s.pkg.ManifestPath)
		}
	}

	if err := a.flush(batch); err != nil {
		return nil, err
	}
	for _, s := range batch {
		commit(s)
	}
	a.logger.Info("manifests updated", "count", len(batch))
	return res, nil
}

func (a *Applier) stage(plan *resolve.Plan, ws *workspace.Workspace) ([]*staged, error) {
	var batch []*staged
	for _, pp := range plan.Sorted() {
		pkg, ok := ws.Package(pp.Name)
		if !ok {
			return nil, errs.New(errs.ErrUnknownPackage, "apply", "%q", pp.Name)
		}
		raw, err := a.fs.ReadString(pkg.ManifestPath)
		if err != nil {
			return nil, err
		}
		m, err := manifest.Parse(pkg.ManifestPath, []byte(raw))
		if err != nil {
			return nil, err
		}
		if m.Name() != pp.Name {
			return nil, conflictf("%s now declares %q, expected %q", pkg.ManifestPath, m.Name(), pp.Name)
		}
		if want := versionString(pkg, pp.Old); m.Version() != want {
			return nil, conflictf("%s is at %q, plan expects %q", pkg.ManifestPath, m.Version(), want)
		}

		s := &staged{pkg: pkg, plan: pp, original: raw, edited: m}
		if pp.Released() {
			if err := m.SetVersion(pp.New.String()); err != nil {
				return nil, err
			}
		}
		for _, u := range pp.DependencyUpdates {
			cur, ok := m.DependencyRange(u.Field, u.Dependency)
			if !ok || cur != u.OldRange {
				return nil, conflictf("%s: %s.%s is %q, plan expects %q", pkg.ManifestPath, u.Field, u.Dependency, cur, u.OldRange)
			}
			if err := m.SetDependencyRange(u.Field, u.Dependency, u.NewRange); err != nil {
				return nil, err
			}
			s.touched = append(s.touched, fmt.Sprintf("%s.%s", u.Field, u.Dependency))
		}
		batch = append(batch, s)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].pkg.ManifestPath < batch[j].pkg.ManifestPath })
	return batch, nil
}

// versionString is the manifest "version" value for v; empty for packages
// that declare none.
func versionString(pkg *workspace.Package, v semver.Version) string {
	if pkg.Unversioned {
		return ""
	}
	return v.String()
}

// validate re-parses every staged manifest and checks that exact pins on
// released packages name the new version.
func validate(batch []*staged, plan *resolve.Plan, ws *workspace.Workspace) error {
	var problems []error
	for _, s := range batch {
		m, err := s.edited.Reparse()
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if s.plan.Released() && m.Version() != s.plan.New.String() {
			problems = append(problems, conflictf("%s: version is %q after edit, want %s", s.pkg.ManifestPath, m.Version(), s.plan.New))
		}
		for _, field := range manifest.DependencyFields {
			deps := m.Dependencies()
			if field == manifest.FieldDevDependencies {
				deps = m.DevDependencies()
			}
			for _, d := range deps {
				dep, ok := plan.Packages[d.Name]
				if !ok || !dep.Released() || !ws.Has(d.Name) {
					continue
				}
				pinned, err := semver.Parse(strings.TrimPrefix(d.Range, "="))
				if err != nil {
					continue
				}
				if pinned.Compare(dep.New) != 0 {
					problems = append(problems, conflictf("%s pins %s@%s but the release is %s", s.pkg.ManifestPath, d.Name, pinned, dep.New))
				}
			}
		}
	}
	return errors.Join(problems...)
}

func (a *Applier) flush(batch []*staged) error {
	var written []*staged
	for _, s := range batch {
		if err := a.fs.WriteString(s.pkg.ManifestPath, s.edited.String()); err != nil {
			restored, unrestored := a.rollback(written)
			a.logger.Error("manifest write failed, rolled back", "path", s.pkg.ManifestPath, "restored", len(restored), "error", err)
			return &ApplyError{Kind: errs.ErrFs, Restored: restored, Unrestored: unrestored, Err: err}
		}
		written = append(written, s)
	}
	return nil
}

func (a *Applier) rollback(written []*staged) (restored, unrestored []string) {
	for i := len(written) - 1; i >= 0; i-- {
		s := written[i]
		if err := a.fs.WriteString(s.pkg.ManifestPath, s.original); err != nil {
			a.logger.Error("rollback failed", "path", s.pkg.ManifestPath, "error", err)
			unrestored = append(unrestored, s.pkg.ManifestPath)
			continue
		}
		restored = append(restored, s.pkg.ManifestPath)
	}
	sort.Strings(restored)
	sort.Strings(unrestored)
	return restored, unrestored
}

// commit mirrors a flushed edit into the in-memory package.
func commit(s *staged) {
	s.pkg.Version = s.plan.New
	for _, u := range s.plan.DependencyUpdates {
		deps := s.pkg.Dependencies
		if u.Field == manifest.FieldDevDependencies {
			deps = s.pkg.DevDependencies
		}
		for i := range deps {
			if deps[i].Name == u.Dependency {
				deps[i].Range = u.NewRange
			}
		}
	}
}
