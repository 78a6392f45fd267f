package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"monorel/internal/errs"
	"monorel/internal/fsys"
	"monorel/internal/logging"
	"monorel/internal/manifest"
	"monorel/internal/semver"
)

const (
	pnpmWorkspaceFile = "pnpm-workspace.yaml"
	lernaFile         = "lerna.json"
)

// Options tunes discovery.
type Options struct {
	// IncludePrivate keeps packages whose manifest sets "private": true.
	IncludePrivate bool
	// Patterns overrides the patterns declared by the root.
	Patterns []string
	// Exclude adds directory names or root-relative globs to skip.
	Exclude []string
	// Concurrency bounds parallel manifest loading. Zero means 8.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// DefaultOptions keeps private packages and loads eight manifests at a time.
func DefaultOptions() Options {
	return Options{IncludePrivate: true, Concurrency: 8}
}

// rootMarkers describes what made a directory the workspace root.
type rootMarkers struct {
	manifest     *manifest.Manifest
	hasWorkspace bool
	pnpm         bool
	lerna        bool
}

func (m rootMarkers) isRoot() bool { return m.hasWorkspace || m.pnpm || m.lerna }

func readMarkers(fs fsys.FileSystem, dir string) (rootMarkers, error) {
	var out rootMarkers
	mpath := filepath.Join(dir, manifest.FileName)
	if ok, err := fs.Exists(mpath); err != nil {
		return out, err
	} else if ok {
		raw, err := fs.ReadString(mpath)
		if err != nil {
			return out, err
		}
		m, err := manifest.Parse(mpath, []byte(raw))
		if err != nil {
			return out, err
		}
		out.manifest = m
		_, out.hasWorkspace = m.Workspaces()
	}
	var err error
	if out.pnpm, err = fs.Exists(filepath.Join(dir, pnpmWorkspaceFile)); err != nil {
		return out, err
	}
	if out.lerna, err = fs.Exists(filepath.Join(dir, lernaFile)); err != nil {
		return out, err
	}
	return out, nil
}

// FindRoot walks upward from start to the first directory that declares a
// workspace.
func FindRoot(fs fsys.FileSystem, start string) (string, error) {
	dir, err := fs.Canonicalize(start)
	if err != nil {
		return "", errs.WrapPath(errs.ErrWorkspaceNotFound, "find workspace root", start, err)
	}
	for {
		markers, err := readMarkers(fs, dir)
		if err != nil {
			return "", err
		}
		if markers.isRoot() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", &errs.Error{Kind: errs.ErrWorkspaceNotFound, Op: "find workspace root", Path: start}
		}
		dir = parent
	}
}

// Discover locates the workspace above start and loads every member package.
func Discover(ctx context.Context, fs fsys.FileSystem, start string, opts Options) (*Workspace, error) {
	logger := logging.Or(opts.Logger, "workspace")
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	root, err := FindRoot(fs, start)
	if err != nil {
		return nil, err
	}
	markers, err := readMarkers(fs, root)
	if err != nil {
		return nil, err
	}

	patterns := opts.Patterns
	if len(patterns) == 0 {
		if patterns, err = declaredPatterns(fs, root, markers); err != nil {
			return nil, err
		}
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	include, exclude := splitPatterns(patterns)
	exclude = append(exclude, opts.Exclude...)

	dirs, err := expand(ctx, fs, root, include, exclude)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, errs.New(errs.ErrNoPackagesMatched, "discover workspace", "patterns %v matched nothing under %s", include, root)
	}

	pkgs, err := loadPackages(ctx, fs, root, dirs, opts.Concurrency)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{
		Root:           root,
		PackageManager: detectPackageManager(fs, root, markers),
		Packages:       make(map[string]*Package, len(pkgs)),
		Patterns:       include,
		Excludes:       exclude,
		DetectedAt:     now().UTC(),
	}
	for _, p := range pkgs {
		if p.Private && !opts.IncludePrivate {
			logger.Debug("skipping private package", "package", p.Name, "path", p.RelDir)
			continue
		}
		if prev, dup := ws.Packages[p.Name]; dup {
			return nil, errs.New(errs.ErrDuplicatePackage, "discover workspace", "%q declared by %s and %s", p.Name, prev.ManifestPath, p.ManifestPath)
		}
		ws.Packages[p.Name] = p
	}
	if len(ws.Packages) == 0 {
		return nil, errs.New(errs.ErrNoPackagesMatched, "discover workspace", "all matched packages are private")
	}
	ws.linkDependencies()

	logger.Info("workspace discovered", "root", root, "packages", len(ws.Packages), "package_manager", ws.PackageManager)
	return ws, nil
}

func declaredPatterns(fs fsys.FileSystem, root string, markers rootMarkers) ([]string, error) {
	if markers.pnpm {
		p := filepath.Join(root, pnpmWorkspaceFile)
		raw, err := fs.ReadString(p)
		if err != nil {
			return nil, err
		}
		var doc struct {
			Packages []string `yaml:"packages"`
		}
		if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, errs.WrapPath(errs.ErrMalformedManifest, "read workspace patterns", p, err)
		}
		if len(doc.Packages) > 0 {
			return doc.Packages, nil
		}
	}
	if markers.manifest != nil {
		if ws, ok := markers.manifest.Workspaces(); ok && len(ws) > 0 {
			return ws, nil
		}
	}
	if markers.lerna {
		p := filepath.Join(root, lernaFile)
		raw, err := fs.ReadString(p)
		if err != nil {
			return nil, err
		}
		var doc struct {
			Packages []string `json:"packages"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, errs.WrapPath(errs.ErrMalformedManifest, "read workspace patterns", p, err)
		}
		return doc.Packages, nil
	}
	return nil, nil
}

// splitPatterns normalizes patterns and separates "!" exclusions.
func splitPatterns(patterns []string) (include, exclude []string) {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		neg := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")
		p = strings.TrimPrefix(p, "./")
		p = strings.TrimSuffix(p, "/")
		p = strings.TrimSuffix(p, "/"+manifest.FileName)
		if p == "" || p == "." {
			continue
		}
		if neg {
			exclude = append(exclude, p)
		} else {
			include = append(include, p)
		}
	}
	return include, exclude
}

func skipped(name, rel string, exclude []string) bool {
	for _, s := range SkippedDirs {
		if name == s {
			return true
		}
	}
	for _, e := range exclude {
		if e == name {
			return true
		}
		if ok, _ := doublestar.Match(e, rel); ok {
			return true
		}
	}
	return false
}

// maxDepth is the deepest directory level any pattern can match, or -1 when a
// pattern contains "**".
func maxDepth(patterns []string) int {
	depth := 0
	for _, p := range patterns {
		if strings.Contains(p, "**") {
			return -1
		}
		if n := strings.Count(p, "/") + 1; n > depth {
			depth = n
		}
	}
	return depth
}

// expand walks root and returns, in walk order, the relative directories that
// match an include pattern and contain a manifest.
func expand(ctx context.Context, fs fsys.FileSystem, root string, include, exclude []string) ([]string, error) {
	limit := maxDepth(include)
	var out []string

	var walk func(rel string, depth int) error
	walk = func(rel string, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := fs.ListEntries(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir {
				continue
			}
			childRel := path.Join(rel, e.Name)
			if skipped(e.Name, childRel, exclude) {
				continue
			}
			if matchesAny(include, childRel) {
				ok, err := fs.Exists(filepath.Join(root, filepath.FromSlash(childRel), manifest.FileName))
				if err != nil {
					return err
				}
				if ok {
					out = append(out, childRel)
				}
			}
			if limit < 0 || depth+1 < limit {
				if err := walk(childRel, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk("", 0); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("discovering packages: %w", err)
		}
		return nil, err
	}
	return out, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func loadPackages(ctx context.Context, fs fsys.FileSystem, root string, dirs []string, concurrency int) ([]*Package, error) {
	if concurrency <= 0 {
		concurrency = 8
	}
	out := make([]*Package, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, rel := range dirs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := loadPackage(fs, root, rel)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func loadPackage(fs fsys.FileSystem, root, rel string) (*Package, error) {
	dir := filepath.Join(root, filepath.FromSlash(rel))
	mpath := filepath.Join(dir, manifest.FileName)
	raw, err := fs.ReadString(mpath)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(mpath, []byte(raw))
	if err != nil {
		return nil, err
	}
	if m.Name() == "" {
		return nil, errs.New(errs.ErrMalformedManifest, "load package", "%s: missing name", mpath)
	}

	var version semver.Version
	if raw := m.Version(); raw != "" {
		if version, err = semver.Parse(raw); err != nil {
			return nil, errs.WrapPath(errs.ErrInvalidVersion, "load package "+m.Name(), mpath, err)
		}
	}

	return &Package{
		Name:            m.Name(),
		Version:         version,
		ManifestPath:    mpath,
		Dir:             dir,
		RelDir:          rel,
		Private:         m.Private(),
		Unversioned:     m.Version() == "",
		Dependencies:    m.Dependencies(),
		DevDependencies: m.DevDependencies(),
		Scripts:         m.Scripts(),
	}, nil
}

var lockFiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"bun.lock", "bun"},
	{"package-lock.json", "npm"},
}

func detectPackageManager(fs fsys.FileSystem, root string, markers rootMarkers) string {
	if markers.manifest != nil {
		if pm := markers.manifest.PackageManager(); pm != "" {
			name, _, _ := strings.Cut(pm, "@")
			return name
		}
	}
	if markers.pnpm {
		return "pnpm"
	}
	for _, lf := range lockFiles {
		if ok, _ := fs.Exists(filepath.Join(root, lf.file)); ok {
			return lf.manager
		}
	}
	return "npm"
}
