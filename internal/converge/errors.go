package converge

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	// ErrStackNotFound is returned by Probe when the control plane reports
	// that no stack exists with the requested name.
	ErrStackNotFound = errors.New("stack not found")

	// ErrPollTimeout is returned when a configured poll timeout elapses
	// before the stack reaches a terminal status.
	ErrPollTimeout = errors.New("timed out waiting for stack to reach a terminal status")

	// ErrChangeSetTimeout is returned when a change set is still pending
	// after the maximum number of describe attempts.
	ErrChangeSetTimeout = errors.New("timed out waiting for change set")
)

const (
	codeValidation = "ValidationError"

	msgDoesNotExist = "does not exist"
	msgNoUpdates    = "No updates are to be performed"
	msgNoChanges    = "didn't contain changes"
)

// apiError unwraps err into the typed client error every SDK call returns.
func apiError(err error) (smithy.APIError, bool) {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsNotFound reports whether err is the validation error the control plane
// returns for a stack name that does not exist. Any other error, including
// throttling and permission failures, is not absence.
func IsNotFound(err error) bool {
	ae, ok := apiError(err)
	return ok && ae.ErrorCode() == codeValidation && strings.Contains(ae.ErrorMessage(), msgDoesNotExist)
}

// IsNoUpdates reports whether err is the validation error returned by an
// update whose template and parameters already match the stack.
func IsNoUpdates(err error) bool {
	ae, ok := apiError(err)
	return ok && ae.ErrorCode() == codeValidation && strings.Contains(ae.ErrorMessage(), msgNoUpdates)
}

// noChangesReason reports whether a failed change set's reason means there
// was nothing to change.
func noChangesReason(reason string) bool {
	return strings.Contains(reason, msgNoChanges) || strings.Contains(reason, msgNoUpdates)
}
