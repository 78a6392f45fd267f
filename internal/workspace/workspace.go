// Package workspace discovers a monorepo's root and member packages.
package workspace

import (
	"path"
	"sort"
	"strings"
	"time"

	"monorel/internal/errs"
	"monorel/internal/manifest"
	"monorel/internal/semver"
)

// DefaultPatterns apply when the root declares no workspace patterns.
var DefaultPatterns = []string{"packages/*", "apps/*", "libs/*", "modules/*"}

// SkippedDirs are never descended into during discovery.
var SkippedDirs = []string{"node_modules", "dist", "build", ".git"}

// Package is one workspace member.
type Package struct {
	Name         string
	Version      semver.Version
	ManifestPath string
	// Dir is the absolute package directory; RelDir is the slash-separated
	// path relative to the workspace root.
	Dir     string
	RelDir  string
	Private bool
	// Unversioned is set when the manifest has no "version" field. Such
	// packages are never released; only their dependency ranges move.
	Unversioned bool

	Dependencies    []manifest.Dependency
	DevDependencies []manifest.Dependency

	WorkspaceDeps    []string
	WorkspaceDevDeps []string
	ExternalDeps     map[string]string

	Scripts map[string]string
}

// DependencyRange returns the range under which p declares name in field.
func (p *Package) DependencyRange(field manifest.Field, name string) (string, bool) {
	deps := p.Dependencies
	if field == manifest.FieldDevDependencies {
		deps = p.DevDependencies
	}
	for _, d := range deps {
		if d.Name == name {
			return d.Range, true
		}
	}
	return "", false
}

// Workspace is the discovered repository model. It is read-only outside the
// version applier.
type Workspace struct {
	Root           string
	PackageManager string
	Packages       map[string]*Package
	Patterns       []string
	Excludes       []string
	DetectedAt     time.Time
}

// New assembles a workspace from already loaded packages and links their
// internal dependencies.
func New(root string, pkgs ...*Package) (*Workspace, error) {
	ws := &Workspace{Root: root, Packages: make(map[string]*Package, len(pkgs))}
	for _, p := range pkgs {
		if prev, dup := ws.Packages[p.Name]; dup {
			return nil, errs.New(errs.ErrDuplicatePackage, "build workspace", "%q declared by %s and %s", p.Name, prev.ManifestPath, p.ManifestPath)
		}
		ws.Packages[p.Name] = p
	}
	ws.linkDependencies()
	return ws, nil
}

// Package returns the member called name.
func (w *Workspace) Package(name string) (*Package, bool) {
	p, ok := w.Packages[name]
	return p, ok
}

// Has reports whether name is a member.
func (w *Workspace) Has(name string) bool {
	_, ok := w.Packages[name]
	return ok
}

// Names returns member names in ascending order.
func (w *Workspace) Names() []string {
	out := make([]string, 0, len(w.Packages))
	for n := range w.Packages {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Sorted returns members ordered by name.
func (w *Workspace) Sorted() []*Package {
	names := w.Names()
	out := make([]*Package, 0, len(names))
	for _, n := range names {
		out = append(out, w.Packages[n])
	}
	return out
}

// PackageForPath returns the package owning a root-relative, slash-separated
// path. Nested packages win over their parents.
func (w *Workspace) PackageForPath(rel string) (*Package, bool) {
	rel = path.Clean(strings.TrimPrefix(rel, "./"))
	var best *Package
	for _, p := range w.Packages {
		if rel != p.RelDir && !strings.HasPrefix(rel, p.RelDir+"/") {
			continue
		}
		if best == nil || len(p.RelDir) > len(best.RelDir) {
			best = p
		}
	}
	return best, best != nil
}

// linkDependencies fills the workspace/external dependency splits once the
// member set is final.
func (w *Workspace) linkDependencies() {
	for _, p := range w.Packages {
		p.WorkspaceDeps = p.WorkspaceDeps[:0]
		p.WorkspaceDevDeps = p.WorkspaceDevDeps[:0]
		p.ExternalDeps = make(map[string]string)
		for _, d := range p.Dependencies {
			if w.Has(d.Name) {
				p.WorkspaceDeps = append(p.WorkspaceDeps, d.Name)
			} else {
				p.ExternalDeps[d.Name] = d.Range
			}
		}
		for _, d := range p.DevDependencies {
			if w.Has(d.Name) {
				p.WorkspaceDevDeps = append(p.WorkspaceDevDeps, d.Name)
			} else if _, dup := p.ExternalDeps[d.Name]; !dup {
				p.ExternalDeps[d.Name] = d.Range
			}
		}
		sort.Strings(p.WorkspaceDeps)
		sort.Strings(p.WorkspaceDevDeps)
	}
}
