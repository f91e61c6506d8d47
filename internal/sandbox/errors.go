package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrSandboxSetup = errors.New("sandbox setup failed")
	ErrProcessSpawn = errors.New("process spawn failed")
)

// SetupError reports a filesystem failure while preparing or tearing down
// a sandbox.
type SetupError struct {
	Op   string
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrSandboxSetup.Error(), e.Op, e.Path, e.Err)
}

func (e *SetupError) Unwrap() []error { return []error{ErrSandboxSetup, e.Err} }

// SpawnError reports a program that could not be started.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", ErrProcessSpawn.Error(), e.Program, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrProcessSpawn, e.Err} }
