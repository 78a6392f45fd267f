// Package changelog renders release notes from conventional commits and
// changesets, and keeps CHANGELOG.md files in Keep-A-Changelog shape.
package changelog

import (
	"regexp"
	"strings"

	"monorel/internal/changeset"
	"monorel/internal/semver"
)

// Entry is one line of release notes.
type Entry struct {
	Type        string
	Scope       string
	Description string
	Hash        string
	Breaking    bool
	// BreakingNote is the footer text explaining a breaking change.
	BreakingNote string
}

var headerRE = regexp.MustCompile(`^([A-Za-z]+)(?:\(([^()]*)\))?(!)?:\s+(.+)$`)

var breakingFooters = []string{"BREAKING CHANGE:", "BREAKING-CHANGE:"}

// ParseCommit reads a conventional commit message. ok is false when the
// first line is not of the form type(scope)!: description.
func ParseCommit(hash, message string) (e Entry, ok bool) {
	lines := strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n")
	m := headerRE.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if m == nil {
		return Entry{}, false
	}
	e = Entry{
		Type:        strings.ToLower(m[1]),
		Scope:       strings.TrimSpace(m[2]),
		Description: strings.TrimSpace(m[4]),
		Hash:        hash,
		Breaking:    m[3] == "!",
	}

	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		for _, footer := range breakingFooters {
			rest, found := strings.CutPrefix(line, footer)
			if !found {
				continue
			}
			note := []string{strings.TrimSpace(rest)}
			for j := i + 1; j < len(lines) && strings.TrimSpace(lines[j]) != ""; j++ {
				note = append(note, strings.TrimSpace(lines[j]))
			}
			e.Breaking = true
			e.BreakingNote = strings.TrimSpace(strings.Join(note, " "))
		}
	}
	return e, true
}

// EntriesFromChangesets turns changeset descriptions into entries: major
// bumps are breaking features, minor bumps features, the rest fixes.
func EntriesFromChangesets(list []*changeset.Changeset) []Entry {
	out := make([]Entry, 0, len(list))
	for _, cs := range list {
		e := Entry{Description: cs.Description}
		switch cs.Bump.Kind {
		case semver.BumpMajor:
			e.Type, e.Breaking = "feat", true
		case semver.BumpMinor:
			e.Type = "feat"
		case semver.BumpNone:
			e.Type = "chore"
		default:
			e.Type = "fix"
		}
		out = append(out, e)
	}
	return out
}
