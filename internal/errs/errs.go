// Package errs defines the failure taxonomy shared by every monorel component.
//
// Each failure carries one of the sentinel kinds below. Callers test for a kind
// with errors.Is and recover it with KindOf; the source error stays reachable
// through the same chain.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrWorkspaceNotFound = errors.New("workspace root not found")
	ErrNoPackagesMatched = errors.New("no packages matched")
	ErrMalformedManifest = errors.New("malformed manifest")
	ErrDuplicatePackage  = errors.New("duplicate package name")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrUnknownPackage    = errors.New("unknown package")
	ErrInvalidVersion    = errors.New("invalid version")
	ErrInvalidChangeset  = errors.New("invalid changeset")
	ErrChangesetNotFound = errors.New("changeset not found")
	ErrChangesetConflict = errors.New("changeset conflict")
	ErrApplyConflict     = errors.New("apply conflict")
	ErrTaskFailed        = errors.New("task failed")
	ErrTaskTimedOut      = errors.New("task timed out")
	ErrTaskCancelled     = errors.New("task cancelled")
	ErrVcs               = errors.New("vcs error")
	ErrFs                = errors.New("filesystem error")
)

var kinds = []error{
	ErrConfigInvalid,
	ErrWorkspaceNotFound,
	ErrNoPackagesMatched,
	ErrMalformedManifest,
	ErrDuplicatePackage,
	ErrDependencyCycle,
	ErrUnknownPackage,
	ErrInvalidVersion,
	ErrInvalidChangeset,
	ErrChangesetNotFound,
	ErrChangesetConflict,
	ErrApplyConflict,
	ErrTaskFailed,
	ErrTaskTimedOut,
	ErrTaskCancelled,
	ErrVcs,
	ErrFs,
}

// Error is a classified failure.
//
// Op is a short human-readable prefix ("load manifest"), Path names the file or
// object involved when there is one, and Err is the underlying source.
type Error struct {
	Kind error
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the source error to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New builds a classified error with a formatted message.
func New(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapPath classifies err under kind and records the path it concerns.
func WrapPath(kind error, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the first taxonomy kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Is reports whether err is classified under kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
