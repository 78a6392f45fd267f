package changes

import (
	"fmt"
	"sort"

	"monorel/internal/semver"
	"monorel/internal/vcs"
)

// ChangeType classifies what kind of files a package change touches.
type ChangeType string

const (
	SourceCode    ChangeType = "source_code"
	Dependencies  ChangeType = "dependencies"
	Configuration ChangeType = "configuration"
	Documentation ChangeType = "documentation"
	Tests         ChangeType = "tests"
)

// Significance grades how much a change can affect consumers.
type Significance int

const (
	Low Significance = iota
	Medium
	High
)

func (s Significance) String() string {
	switch s {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// Rule selects a package's files and matches when enough of them qualify.
type Rule struct {
	Name         string
	Type         ChangeType
	Significance Significance
	// Priority orders rules; higher runs first.
	Priority     int
	Patterns     []FilePattern
	StatusFilter []vcs.Status
	// MinFiles defaults to 1; MaxFiles of zero means unbounded.
	MinFiles int
	MaxFiles int
}

func (r *Rule) statusAllowed(s vcs.Status) bool {
	if len(r.StatusFilter) == 0 {
		return true
	}
	for _, f := range r.StatusFilter {
		if f == s {
			return true
		}
	}
	return false
}

func (r *Rule) matches(files []packageFile) bool {
	n := 0
	for _, f := range files {
		if r.statusAllowed(f.status) && matchAll(r.Patterns, f.rel) {
			n++
		}
	}
	minFiles := r.MinFiles
	if minFiles < 1 {
		minFiles = 1
	}
	return n >= minFiles && (r.MaxFiles == 0 || n <= r.MaxFiles)
}

// Rules is the detector configuration.
type Rules struct {
	Types        []Rule
	Significance []Rule
	// Feature selects files whose presence turns a medium change into a minor bump.
	Feature Rule
	// DefaultType applies when no type rule matches.
	DefaultType ChangeType
	// DefaultBump breaks ties between patch- and feature-level changes.
	DefaultBump semver.Bump
}

var (
	sourceExts = "{ts,tsx,js,jsx,mjs,cjs,mts,cts,vue,svelte}"
	testGlobs  = []string{"**/*.test.*", "**/*.spec.*", "**/__tests__/**", "test/**", "tests/**"}
	docGlobs   = []string{"README*", "docs/**", "CHANGELOG*", "**/*.md", "**/*.mdx"}
	lockFiles  = []string{"package.json", "package-lock.json", "npm-shrinkwrap.json", "yarn.lock", "pnpm-lock.yaml", "bun.lockb"}
)

func globs(vs []string, exclude bool) []FilePattern {
	out := make([]FilePattern, 0, len(vs))
	for _, v := range vs {
		p := Glob(v)
		p.Exclude = exclude
		out = append(out, p)
	}
	return out
}

func sourcePatterns() []FilePattern {
	ps := []FilePattern{Glob("src/**/*." + sourceExts), Glob("lib/**/*." + sourceExts)}
	return append(ps, globs(testGlobs, true)...)
}

// DefaultRules returns the built-in classification.
func DefaultRules() Rules {
	deps := make([]FilePattern, 0, len(lockFiles))
	for _, f := range lockFiles {
		deps = append(deps, Exact(f))
	}
	addedNonDoc := append(globs(docGlobs, true), globs(testGlobs, true)...)

	return Rules{
		Types: []Rule{
			{Name: "manifest-or-lockfile", Type: Dependencies, Priority: 100, Patterns: deps},
			{Name: "source", Type: SourceCode, Priority: 80, Patterns: sourcePatterns()},
			{Name: "tests", Type: Tests, Priority: 60, Patterns: globs(testGlobs, false)},
			{Name: "docs", Type: Documentation, Priority: 40, Patterns: globs(docGlobs, false)},
			{Name: "config", Type: Configuration, Priority: 20, Patterns: []FilePattern{
				Regex(`^\.[^/]+$`),
				Glob(".github/**"),
				Glob("tsconfig*.json"),
				Glob("*.config.{js,cjs,mjs,ts}"),
				Exact(".npmignore"),
			}},
		},
		Significance: []Rule{
			{Name: "public-api", Significance: High, Priority: 100,
				Patterns:     []FilePattern{Glob("src/index.*"), Glob("src/api/**")},
				StatusFilter: []vcs.Status{vcs.Modified, vcs.Deleted}},
			{Name: "source", Significance: Medium, Priority: 50, Patterns: sourcePatterns()},
			{Name: "added-files", Significance: Medium, Priority: 40, Patterns: addedNonDoc,
				StatusFilter: []vcs.Status{vcs.Added}},
			{Name: "docs-and-tests", Significance: Low, Priority: 10},
		},
		Feature: Rule{Name: "added-source", Patterns: sourcePatterns(),
			StatusFilter: []vcs.Status{vcs.Added}},
		DefaultType: SourceCode,
		DefaultBump: semver.Patch,
	}
}

// prepare compiles patterns and sorts rules by priority desc, name asc.
func (r *Rules) prepare() error {
	lists := [][]Rule{r.Types, r.Significance, {r.Feature}}
	for li, list := range lists {
		for i := range list {
			pats := make([]FilePattern, len(list[i].Patterns))
			copy(pats, list[i].Patterns)
			for j := range pats {
				if err := pats[j].compile(); err != nil {
					return fmt.Errorf("rule %q: %w", list[i].Name, err)
				}
			}
			list[i].Patterns = pats
		}
		if li < 2 {
			sort.SliceStable(list, func(a, b int) bool {
				if list[a].Priority != list[b].Priority {
					return list[a].Priority > list[b].Priority
				}
				return list[a].Name < list[b].Name
			})
		}
	}
	r.Feature = lists[2][0]
	if r.DefaultType == "" {
		r.DefaultType = SourceCode
	}
	return nil
}
