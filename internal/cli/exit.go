package cli

import (
	"errors"
	"fmt"

	"github.com/hidsward/hidsward/pkg/types"
)

// Exit codes beyond the generic 1.
const (
	ExitPolicy      = 2
	ExitEnforcement = 3
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// classify turns a domain rejection into an ExitError. Other errors pass
// through and exit with 1.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrWhitelistConflict):
		return &ExitError{code: ExitPolicy, message: err.Error()}
	case errors.Is(err, types.ErrEnforcementFailed):
		return &ExitError{code: ExitEnforcement, message: err.Error()}
	}
	return err
}
