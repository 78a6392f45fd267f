package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"monorel/internal/errs"
)

// emptyTree is git's well-known empty tree object, used as the base when a
// comparison has no starting ref.
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

const (
	commitStartDelim = "---COMMIT_START---"
	bodyStartDelim   = "---BODY_START---"
	bodyEndDelim     = "---BODY_END---"
	commitEndDelim   = "---COMMIT_END---"
)

// commitFormat: COMMIT_START, hash, subject, BODY_START, body, BODY_END,
// author, date, COMMIT_END.
var commitFormat = fmt.Sprintf("%s%%n%%H%%n%%s%%n%s%%n%%b%s%%n%%an%%n%%aI%%n%s",
	commitStartDelim, bodyStartDelim, bodyEndDelim, commitEndDelim)

// Git drives the git command line in Dir. Paths it reports are relative to
// Dir.
type Git struct {
	Dir string
	// Binary defaults to "git".
	Binary string
}

var _ Repo = (*Git)(nil)

func NewGit(dir string) *Git { return &Git{Dir: dir, Binary: "git"} }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", errs.Wrap(errs.ErrVcs, "git "+args[0], err)
		}
		return "", errs.Wrap(errs.ErrVcs, "git "+args[0], fmt.Errorf("%w: %s", err, msg))
	}
	return stdout.String(), nil
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) LatestTag(ctx context.Context, prefix string) (string, error) {
	out, err := g.run(ctx, "tag", "--list", prefix+"*", "--sort=-creatordate")
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(first), nil
}

func (g *Git) CommitsBetween(ctx context.Context, from, to string) ([]Commit, error) {
	if to == "" {
		to = "HEAD"
	}
	rev := to
	if from != "" {
		rev = from + ".." + to
	}
	out, err := g.run(ctx, "log", "--format="+commitFormat, rev, "--")
	if err != nil {
		return nil, err
	}
	return parseLogOutput(out), nil
}

func (g *Git) ChangedFiles(ctx context.Context, from, to string) ([]FileChange, error) {
	if from == "" {
		from = emptyTree
	}
	args := []string{"diff", "--no-color", "--no-ext-diff", "--no-renames", "--relative",
		"--src-prefix=a/", "--dst-prefix=b/", "-U0", from}
	if to != WorkingTree {
		args = append(args, to)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	changes, err := parseDiff(out)
	if err != nil {
		return nil, errs.Wrap(errs.ErrVcs, "parse git diff", err)
	}

	if to == WorkingTree {
		untracked, err := g.run(ctx, "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(untracked, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				changes = append(changes, FileChange{Path: line, Status: Added})
			}
		}
	}
	return dedupe(changes), nil
}

func (g *Git) CreateTag(ctx context.Context, name, message string) error {
	_, err := g.run(ctx, "tag", "-a", name, "-m", message)
	return err
}

func (g *Git) Commit(ctx context.Context, paths []string, message string) (string, error) {
	if len(paths) > 0 {
		if _, err := g.run(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
			return "", err
		}
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// parseDiff maps a unified diff to file changes. /dev/null on either side or
// a new/deleted file mode header decides Added and Deleted.
func parseDiff(patch string) ([]FileChange, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	files, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, err
	}
	out := make([]FileChange, 0, len(files))
	for _, fd := range files {
		status := Modified
		switch {
		case fd.OrigName == "/dev/null" || hasExtended(fd, "new file mode"):
			status = Added
		case fd.NewName == "/dev/null" || hasExtended(fd, "deleted file mode"):
			status = Deleted
		}
		name := fd.NewName
		if status == Deleted {
			name = fd.OrigName
		}
		if name == "/dev/null" || name == "" {
			name = diffGitPath(fd)
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
		out = append(out, FileChange{Path: name, Status: status})
	}
	return out, nil
}

func hasExtended(fd *diff.FileDiff, prefix string) bool {
	return slices.ContainsFunc(fd.Extended, func(line string) bool { return strings.HasPrefix(line, prefix) })
}

// diffGitPath recovers the path from a "diff --git a/x b/x" header, for
// entries without ---/+++ lines such as empty new files.
func diffGitPath(fd *diff.FileDiff) string {
	for _, line := range fd.Extended {
		if rest, ok := strings.CutPrefix(line, "diff --git "); ok {
			if i := strings.Index(rest, " b/"); i >= 0 {
				return rest[i+3:]
			}
		}
	}
	return ""
}

// dedupe keeps one entry per path, sorted; the last status reported wins.
func dedupe(changes []FileChange) []FileChange {
	idx := make(map[string]int, len(changes))
	var out []FileChange
	for _, c := range changes {
		if i, ok := idx[c.Path]; ok {
			out[i].Status = c.Status
			continue
		}
		idx[c.Path] = len(out)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b FileChange) int { return strings.Compare(a.Path, b.Path) })
	return out
}

func parseLogOutput(output string) []Commit {
	var commits []Commit
	for _, block := range strings.Split(output, commitStartDelim) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		block = strings.TrimSpace(strings.TrimSuffix(block, commitEndDelim))

		bodyStart := strings.Index(block, bodyStartDelim)
		bodyEnd := strings.Index(block, bodyEndDelim)
		if bodyStart == -1 || bodyEnd == -1 {
			continue
		}
		header := strings.SplitN(strings.TrimSpace(block[:bodyStart]), "\n", 2)
		if len(header) < 2 {
			continue
		}
		footer := strings.SplitN(strings.TrimSpace(block[bodyEnd+len(bodyEndDelim):]), "\n", 2)
		if len(footer) < 2 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, strings.TrimSpace(footer[1]))
		commits = append(commits, Commit{
			Hash:    header[0],
			Subject: header[1],
			Body:    strings.TrimSpace(block[bodyStart+len(bodyStartDelim) : bodyEnd]),
			Author:  footer[0],
			Date:    date,
		})
	}
	return commits
}
