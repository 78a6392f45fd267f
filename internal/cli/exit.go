package cli

import (
	"errors"
	"fmt"

	"monorel/internal/errs"
)

const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError is a usage problem detected before any engine call.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error to the process exit status. Errors without a known
// kind are internal errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	switch errs.KindOf(err) {
	case errs.ErrConfigInvalid, errs.ErrWorkspaceNotFound, errs.ErrNoPackagesMatched,
		errs.ErrMalformedManifest, errs.ErrDuplicatePackage, errs.ErrDependencyCycle:
		return ExitConfigError
	case errs.ErrUnknownPackage:
		return ExitInvalidInvocation
	case errs.ErrTaskFailed, errs.ErrTaskTimedOut, errs.ErrTaskCancelled,
		errs.ErrApplyConflict, errs.ErrInvalidVersion, errs.ErrInvalidChangeset,
		errs.ErrChangesetNotFound, errs.ErrChangesetConflict, errs.ErrVcs:
		return ExitFailure
	}
	return ExitInternalError
}
