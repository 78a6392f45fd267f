// Package vcs is the version-control boundary: commits, tags, branches and
// changed files.
package vcs

import (
	"context"
	"time"
)

// Status is the per-file change status reported by the VCS.
type Status string

const (
	Added    Status = "added"
	Modified Status = "modified"
	Deleted  Status = "deleted"
)

// FileChange is one changed path, slash-separated and relative to the
// repository root.
type FileChange struct {
	Path   string
	Status Status
}

// Commit is a commit as seen by changelog generation.
type Commit struct {
	Hash    string
	Author  string
	Date    time.Time
	Subject string
	Body    string
	Files   []string
}

// Message returns subject and body joined the way git stores them.
func (c Commit) Message() string {
	if c.Body == "" {
		return c.Subject
	}
	return c.Subject + "\n\n" + c.Body
}

// WorkingTree selects uncommitted changes as the second ChangedFiles ref.
const WorkingTree = ""

// Repo is the capability interface consumed by the core. Implementations
// classify failures as errs.ErrVcs.
type Repo interface {
	CurrentBranch(ctx context.Context) (string, error)
	// LatestTag returns the most recent tag matching prefix, or "" when none.
	LatestTag(ctx context.Context, prefix string) (string, error)
	// CommitsBetween lists commits reachable from to but not from from,
	// newest first. An empty from means the whole history.
	CommitsBetween(ctx context.Context, from, to string) ([]Commit, error)
	// ChangedFiles lists paths changed between from and to; to == WorkingTree
	// compares against the working tree.
	ChangedFiles(ctx context.Context, from, to string) ([]FileChange, error)
	CreateTag(ctx context.Context, name, message string) error
	// Commit stages paths and records a commit, returning its hash.
	Commit(ctx context.Context, paths []string, message string) (string, error)
}
