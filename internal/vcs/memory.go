package vcs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"monorel/internal/errs"
)

type memCommit struct {
	Commit
	changes []FileChange
}

type memTag struct {
	name, message, hash string
}

// Memory is an in-process Repo for tests. History is linear.
type Memory struct {
	mu      sync.Mutex
	branch  string
	commits []memCommit // oldest first
	tags    []memTag
	pending []FileChange
	now     func() time.Time
}

var _ Repo = (*Memory)(nil)

// NewMemory returns an empty repository on branch.
func NewMemory(branch string) *Memory {
	return &Memory{branch: branch, now: func() time.Time { return time.Now().UTC() }}
}

// SetBranch switches the current branch name.
func (m *Memory) SetBranch(name string) {
	m.mu.Lock()
	m.branch = name
	m.mu.Unlock()
}

// Touch records an uncommitted change in the working tree.
func (m *Memory) Touch(changes ...FileChange) {
	m.mu.Lock()
	m.pending = append(m.pending, changes...)
	m.mu.Unlock()
}

// AddCommit records a commit with the given changes and returns its hash.
func (m *Memory) AddCommit(message string, changes ...FileChange) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCommitLocked(message, changes)
}

func (m *Memory) addCommitLocked(message string, changes []FileChange) string {
	hash := fmt.Sprintf("%040x", len(m.commits)+1)
	subject, body, _ := strings.Cut(message, "\n\n")
	c := memCommit{
		Commit:  Commit{Hash: hash, Author: "test", Date: m.now(), Subject: subject, Body: strings.TrimSpace(body)},
		changes: slices.Clone(changes),
	}
	for _, ch := range changes {
		c.Files = append(c.Files, ch.Path)
	}
	m.commits = append(m.commits, c)
	return hash
}

// Tags returns tag names in creation order.
func (m *Memory) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.tags))
	for i, t := range m.tags {
		out[i] = t.name
	}
	return out
}

// Head returns the hash of the latest commit, or "".
func (m *Memory) Head() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commits) == 0 {
		return ""
	}
	return m.commits[len(m.commits)-1].Hash
}

func (m *Memory) CurrentBranch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.ErrVcs, "current branch", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branch, nil
}

func (m *Memory) LatestTag(ctx context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tags) - 1; i >= 0; i-- {
		if strings.HasPrefix(m.tags[i].name, prefix) {
			return m.tags[i].name, nil
		}
	}
	return "", nil
}

// position resolves a ref (hash or tag) to the number of commits it
// contains. "" resolves to 0 as a from ref and to HEAD as a to ref.
func (m *Memory) position(ref string, isTo bool) (int, error) {
	if ref == "" || ref == "HEAD" {
		if isTo || ref == "HEAD" {
			return len(m.commits), nil
		}
		return 0, nil
	}
	for _, t := range m.tags {
		if t.name == ref {
			ref = t.hash
			break
		}
	}
	for i, c := range m.commits {
		if c.Hash == ref {
			return i + 1, nil
		}
	}
	return 0, errs.New(errs.ErrVcs, "resolve ref", "unknown revision %q", ref)
}

func (m *Memory) span(from, to string) (int, int, error) {
	lo, err := m.position(from, false)
	if err != nil {
		return 0, 0, err
	}
	hi, err := m.position(to, true)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi, nil
}

func (m *Memory) CommitsBetween(ctx context.Context, from, to string) ([]Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi, err := m.span(from, to)
	if err != nil {
		return nil, err
	}
	var out []Commit
	for i := hi - 1; i >= lo; i-- {
		c := m.commits[i].Commit
		c.Files = slices.Clone(c.Files)
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) ChangedFiles(ctx context.Context, from, to string) ([]FileChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi, err := m.span(from, to)
	if err != nil {
		return nil, err
	}
	var all []FileChange
	for _, c := range m.commits[lo:hi] {
		all = append(all, c.changes...)
	}
	if to == WorkingTree {
		all = append(all, m.pending...)
	}
	return dedupe(all), nil
}

func (m *Memory) CreateTag(ctx context.Context, name, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tags {
		if t.name == name {
			return errs.New(errs.ErrVcs, "git tag", "tag %q already exists", name)
		}
	}
	if len(m.commits) == 0 {
		return errs.New(errs.ErrVcs, "git tag", "no commits to tag")
	}
	m.tags = append(m.tags, memTag{name: name, message: message, hash: m.commits[len(m.commits)-1].Hash})
	return nil
}

// Commit turns pending changes for paths (or Modified entries for paths
// without one) into a commit.
func (m *Memory) Commit(ctx context.Context, paths []string, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.ErrVcs, "git commit", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var changes []FileChange
	for _, p := range paths {
		ch := FileChange{Path: p, Status: Modified}
		for _, pend := range m.pending {
			if pend.Path == p {
				ch = pend
			}
		}
		changes = append(changes, ch)
	}
	m.pending = slices.DeleteFunc(m.pending, func(c FileChange) bool { return slices.Contains(paths, c.Path) })
	return m.addCommitLocked(message, changes), nil
}
