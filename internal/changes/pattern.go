package changes

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PatternKind selects how a FilePattern matches a path.
type PatternKind string

const (
	KindGlob      PatternKind = "glob"
	KindRegex     PatternKind = "regex"
	KindExtension PatternKind = "extension"
	KindExact     PatternKind = "exact"
	KindContains  PatternKind = "contains"
)

// FilePattern matches package-relative, slash-separated paths. Exclude turns
// a match into a veto.
type FilePattern struct {
	Kind    PatternKind
	Value   string
	Exclude bool

	re *regexp.Regexp
}

func Glob(v string) FilePattern      { return FilePattern{Kind: KindGlob, Value: v} }
func Regex(v string) FilePattern     { return FilePattern{Kind: KindRegex, Value: v} }
func Extension(v string) FilePattern { return FilePattern{Kind: KindExtension, Value: v} }
func Exact(v string) FilePattern     { return FilePattern{Kind: KindExact, Value: v} }
func Contains(v string) FilePattern  { return FilePattern{Kind: KindContains, Value: v} }

// Not returns p as an exclusion.
func Not(p FilePattern) FilePattern {
	p.Exclude = true
	return p
}

func (p *FilePattern) compile() error {
	switch p.Kind {
	case KindGlob:
		if !doublestar.ValidatePattern(p.Value) {
			return fmt.Errorf("invalid glob %q", p.Value)
		}
	case KindRegex:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", p.Value, err)
		}
		p.re = re
	case KindExtension:
		if !strings.HasPrefix(p.Value, ".") {
			p.Value = "." + p.Value
		}
	case KindExact, KindContains:
	default:
		return fmt.Errorf("unknown pattern kind %q", p.Kind)
	}
	return nil
}

// Match reports whether rel matches the pattern, ignoring Exclude.
func (p *FilePattern) Match(rel string) bool {
	switch p.Kind {
	case KindGlob:
		ok, _ := doublestar.Match(p.Value, rel)
		return ok
	case KindRegex:
		return p.re != nil && p.re.MatchString(rel)
	case KindExtension:
		return path.Ext(rel) == p.Value
	case KindExact:
		return rel == p.Value
	case KindContains:
		return strings.Contains(rel, p.Value)
	}
	return false
}

// matchAll applies include and exclude patterns: a path is selected when any
// include matches (or there are none) and no exclude matches.
func matchAll(patterns []FilePattern, rel string) bool {
	included, hasInclude := false, false
	for i := range patterns {
		p := &patterns[i]
		if p.Exclude {
			if p.Match(rel) {
				return false
			}
			continue
		}
		hasInclude = true
		if !included && p.Match(rel) {
			included = true
		}
	}
	return included || !hasInclude
}
