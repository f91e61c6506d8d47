package cli

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitSuccess           = 0
	ExitSuiteFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// ExitError carries the exit code a failure maps to.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &ExitError{Code: ExitInvalidInvocation, Err: fmt.Errorf(format, args...)}
}

func configError(err error) error {
	return &ExitError{Code: ExitConfigError, Err: err}
}

// errSuiteFailed is returned by run when verification finished but did not
// pass. The report has already been printed.
var errSuiteFailed = &ExitError{Code: ExitSuiteFailure, Err: errors.New("suite failed")}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) && ee != nil {
		if ee.Code != 0 {
			return ee.Code
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
