package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/centralseq/engine"
	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

// Process exit codes.
const (
	exitValidation       = 1
	exitRuntime          = 2
	exitFileNotFound     = 3
	exitInputParse       = 4
	exitBusy             = 5
	exitStoreUnavailable = 6
	exitDegraded         = 7
	exitNotFound         = 8
	exitTimeout          = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// operationExitError maps an operation failure onto an exit code.
func operationExitError(op string, timeout time.Duration, err error) *ExitError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return exitError(exitTimeout, "%s timed out after %s", op, timeout)
	case engine.IsValidation(err), errors.Is(err, identity.ErrInvalidKey):
		return exitError(exitValidation, "%s: %v", op, err)
	case engine.IsBusy(err):
		return exitError(exitBusy, "%s: %v", op, err)
	case engine.IsStoreUnavailable(err), errors.Is(err, store.ErrStoreUnavailable):
		return exitError(exitStoreUnavailable, "%s: %v", op, err)
	default:
		return exitError(exitRuntime, "%s: %v", op, err)
	}
}
