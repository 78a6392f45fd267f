package changelog

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"
	"time"

	"monorel/internal/errs"
	"monorel/internal/fsys"
)

// FileName is the changelog written next to each manifest.
const FileName = "CHANGELOG.md"

// DefaultHeader is the section heading template.
const DefaultHeader = "## {{.Version}} ({{.Date}})"

const title = "# Changelog"

// TypeConfig names and enables one commit type.
type TypeConfig struct {
	Type    string `json:"type" mapstructure:"type" validate:"required"`
	Title   string `json:"title" mapstructure:"title" validate:"required"`
	Include bool   `json:"include" mapstructure:"include"`
}

// DefaultTypes lists the conventional types in rendering order.
func DefaultTypes() []TypeConfig {
	return []TypeConfig{
		{Type: "feat", Title: "Features", Include: true},
		{Type: "fix", Title: "Bug Fixes", Include: true},
		{Type: "perf", Title: "Performance Improvements", Include: true},
		{Type: "refactor", Title: "Code Refactoring", Include: true},
		{Type: "docs", Title: "Documentation"},
		{Type: "style", Title: "Styles"},
		{Type: "test", Title: "Tests"},
		{Type: "build", Title: "Build System"},
		{Type: "ci", Title: "Continuous Integration"},
		{Type: "chore", Title: "Chores"},
	}
}

// Options configures a Builder.
type Options struct {
	Types           []TypeConfig
	GroupByScope    bool
	IncludeBreaking bool
	// Header is a text/template over HeaderData.
	Header        string
	RepositoryURL string
	TagPrefix     string
}

// DefaultOptions renders breaking changes and the default types.
func DefaultOptions() Options {
	return Options{Types: DefaultTypes(), IncludeBreaking: true, Header: DefaultHeader, TagPrefix: "v"}
}

// Release is the input for one rendered section.
type Release struct {
	Package         string
	Version         string
	PreviousVersion string
	Date            time.Time
	Entries         []Entry
}

// HeaderData are the variables available to the header template.
type HeaderData struct {
	PackageName     string
	Version         string
	Date            string
	RepositoryURL   string
	CompareURL      string
	PreviousVersion string
}

// Builder renders changelog sections.
type Builder struct {
	opts   Options
	header *template.Template
}

// NewBuilder compiles the header template.
func NewBuilder(opts Options) (*Builder, error) {
	if len(opts.Types) == 0 {
		opts.Types = DefaultTypes()
	}
	if opts.Header == "" {
		opts.Header = DefaultHeader
	}
	tmpl, err := template.New("header").Option("missingkey=error").Parse(opts.Header)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfigInvalid, "changelog header", err)
	}
	return &Builder{opts: opts, header: tmpl}, nil
}

func (b *Builder) compareURL(rel Release) string {
	if b.opts.RepositoryURL == "" || rel.PreviousVersion == "" {
		return ""
	}
	return fmt.Sprintf("%s/compare/%s%s...%s%s", strings.TrimSuffix(b.opts.RepositoryURL, "/"),
		b.opts.TagPrefix, rel.PreviousVersion, b.opts.TagPrefix, rel.Version)
}

func item(e Entry, text string) string {
	var refs []string
	if e.Scope != "" {
		refs = append(refs, e.Scope)
	}
	if e.Hash != "" {
		h := e.Hash
		if len(h) > 7 {
			h = h[:7]
		}
		refs = append(refs, h)
	}
	if len(refs) == 0 {
		return "- " + text
	}
	return fmt.Sprintf("- %s (%s)", text, strings.Join(refs, ", "))
}

// Render produces the markdown section for rel. Entries of unknown or
// excluded types are dropped, except from the breaking changes list.
func (b *Builder) Render(rel Release) (string, error) {
	data := HeaderData{
		PackageName:     rel.Package,
		Version:         rel.Version,
		Date:            rel.Date.UTC().Format(time.DateOnly),
		RepositoryURL:   b.opts.RepositoryURL,
		CompareURL:      b.compareURL(rel),
		PreviousVersion: rel.PreviousVersion,
	}
	var head bytes.Buffer
	if err := b.header.Execute(&head, data); err != nil {
		return "", errs.Wrap(errs.ErrConfigInvalid, "changelog header", err)
	}

	var out strings.Builder
	out.WriteString(strings.TrimRight(head.String(), "\n"))
	out.WriteString("\n")

	if b.opts.IncludeBreaking {
		var lines []string
		for _, e := range rel.Entries {
			if !e.Breaking {
				continue
			}
			text := e.Description
			if e.BreakingNote != "" {
				text = e.BreakingNote
			}
			lines = append(lines, item(e, text))
		}
		writeSection(&out, "### BREAKING CHANGES", lines)
	}

	byType := make(map[string][]Entry)
	for _, e := range rel.Entries {
		byType[e.Type] = append(byType[e.Type], e)
	}
	for _, tc := range b.opts.Types {
		entries := byType[tc.Type]
		if !tc.Include || len(entries) == 0 {
			continue
		}
		heading := "### " + tc.Title
		if !b.opts.GroupByScope {
			lines := make([]string, 0, len(entries))
			for _, e := range entries {
				lines = append(lines, item(e, e.Description))
			}
			writeSection(&out, heading, lines)
			continue
		}
		out.WriteString("\n" + heading + "\n")
		for _, group := range groupByScope(entries) {
			lines := make([]string, 0, len(group.entries))
			for _, e := range group.entries {
				lines = append(lines, item(Entry{Hash: e.Hash}, e.Description))
			}
			if group.scope == "" {
				out.WriteString("\n" + strings.Join(lines, "\n") + "\n")
				continue
			}
			writeSection(&out, "#### "+group.scope, lines)
		}
	}
	return out.String(), nil
}

func writeSection(out *strings.Builder, heading string, lines []string) {
	if len(lines) == 0 {
		return
	}
	out.WriteString("\n" + heading + "\n\n")
	out.WriteString(strings.Join(lines, "\n"))
	out.WriteString("\n")
}

type scopeGroup struct {
	scope   string
	entries []Entry
}

// groupByScope keeps unscoped entries first, then scopes in name order.
func groupByScope(entries []Entry) []scopeGroup {
	idx := make(map[string]int)
	var groups []scopeGroup
	for _, e := range entries {
		i, ok := idx[e.Scope]
		if !ok {
			i = len(groups)
			idx[e.Scope] = i
			groups = append(groups, scopeGroup{scope: e.Scope})
		}
		groups[i].entries = append(groups[i].entries, e)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].scope < groups[j].scope })
	return groups
}

// Prepend inserts section above earlier releases, keeping the title block.
func Prepend(existing, section string) string {
	section = strings.TrimRight(section, "\n") + "\n"
	if strings.TrimSpace(existing) == "" {
		return title + "\n\n" + section
	}
	if !strings.HasPrefix(existing, "# ") {
		return title + "\n\n" + section + "\n" + existing
	}

	rest := existing
	var preamble string
	if i := strings.Index(existing, "\n## "); i >= 0 {
		preamble, rest = existing[:i+1], existing[i+1:]
	} else {
		preamble, rest = existing, ""
	}
	preamble = strings.TrimRight(preamble, "\n") + "\n\n"
	if rest == "" {
		return preamble + section
	}
	return preamble + section + "\n" + rest
}

// Update prepends section to the changelog at path, creating it if needed.
func Update(fsy fsys.FileSystem, path, section string) error {
	existing, err := fsy.ReadString(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return fsy.WriteString(path, Prepend(existing, section))
}
