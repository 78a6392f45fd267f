// Package changes classifies VCS-reported file changes into per-package
// change types, significance and a suggested version bump.
package changes

import (
	"log/slog"
	"path"
	"sort"
	"strings"

	"monorel/internal/errs"
	"monorel/internal/logging"
	"monorel/internal/semver"
	"monorel/internal/vcs"
	"monorel/internal/workspace"
)

// Change is the classification of one package's changed files.
type Change struct {
	Package       string
	Type          ChangeType
	Significance  Significance
	Files         []string
	Statuses      map[string]vcs.Status
	SuggestedBump semver.Bump
}

// Report is the detector output.
type Report struct {
	Changes map[string]*Change
	// Affected lists packages with at least one changed file, sorted.
	Affected []string
	// Unowned lists changed paths outside every package.
	Unowned []string
}

// Suggestions returns the non-None suggested bumps keyed by package.
func (r *Report) Suggestions() map[string]semver.Bump {
	out := make(map[string]semver.Bump)
	for name, c := range r.Changes {
		if !c.SuggestedBump.IsNone() {
			out[name] = c.SuggestedBump
		}
	}
	return out
}

// Detector applies Rules to changed files.
type Detector struct {
	rules  Rules
	logger *slog.Logger
}

// NewDetector validates and compiles rules.
func NewDetector(rules Rules, logger *slog.Logger) (*Detector, error) {
	rules.Types = append([]Rule(nil), rules.Types...)
	rules.Significance = append([]Rule(nil), rules.Significance...)
	if err := rules.prepare(); err != nil {
		return nil, errs.Wrap(errs.ErrConfigInvalid, "change detector rules", err)
	}
	return &Detector{rules: rules, logger: logging.Or(logger, "changes")}, nil
}

type packageFile struct {
	path   string
	rel    string
	status vcs.Status
}

// Detect maps each changed file to its owning package and classifies the
// resulting per-package file sets.
func (d *Detector) Detect(ws *workspace.Workspace, files []vcs.FileChange) *Report {
	byPkg := make(map[string][]packageFile)
	report := &Report{Changes: make(map[string]*Change)}

	for _, fc := range files {
		p := path.Clean(strings.TrimPrefix(fc.Path, "./"))
		pkg, ok := ws.PackageForPath(p)
		if !ok {
			report.Unowned = append(report.Unowned, p)
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, pkg.RelDir), "/")
		byPkg[pkg.Name] = append(byPkg[pkg.Name], packageFile{path: p, rel: rel, status: fc.Status})
	}
	sort.Strings(report.Unowned)

	for name, pf := range byPkg {
		sort.Slice(pf, func(i, j int) bool { return pf[i].path < pf[j].path })
		c := d.classify(name, pf)
		report.Changes[name] = c
		report.Affected = append(report.Affected, name)
		d.logger.Debug("classified package change", "package", name, "type", c.Type,
			"significance", c.Significance.String(), "bump", c.SuggestedBump.String(), "files", len(pf))
	}
	sort.Strings(report.Affected)
	return report
}

func (d *Detector) classify(name string, files []packageFile) *Change {
	c := &Change{
		Package:      name,
		Type:         d.rules.DefaultType,
		Significance: Low,
		Statuses:     make(map[string]vcs.Status, len(files)),
	}
	for _, f := range files {
		c.Files = append(c.Files, f.path)
		c.Statuses[f.path] = f.status
	}
	for i := range d.rules.Types {
		if d.rules.Types[i].matches(files) {
			c.Type = d.rules.Types[i].Type
			break
		}
	}
	for i := range d.rules.Significance {
		if d.rules.Significance[i].matches(files) {
			c.Significance = d.rules.Significance[i].Significance
			break
		}
	}
	c.SuggestedBump = d.suggest(c, files)
	return c
}

func (d *Detector) suggest(c *Change, files []packageFile) semver.Bump {
	switch {
	case c.Type == Documentation || c.Type == Tests:
		return semver.None
	case c.Significance == High:
		return semver.Major
	case c.Significance == Medium && d.rules.Feature.matches(files):
		return semver.Minor
	default:
		return d.rules.DefaultBump
	}
}
