package generate

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariant marks a generated value that fails its own predicate: a
	// generator bug, not a verification failure.
	ErrInvariant     = errors.New("generator invariant violated")
	ErrNoCandidate   = errors.New("no candidate value found")
	ErrSolverTimeout = errors.New("solver wall-clock ceiling exceeded")
)

// InvariantError reports a value that a sound strategy produced but the
// predicate rejected.
type InvariantError struct {
	Spec  string
	Slot  string
	Value string
	Cause error
}

func (e *InvariantError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s/%s produced %q: %v", ErrInvariant.Error(), e.Spec, e.Slot, e.Value, e.Cause)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// SlotError wraps the failure to produce a value for one slot of one
// subcase.
type SlotError struct {
	Spec  string
	Slot  string
	Index int
	Err   error
}

func (e *SlotError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("generate %s[%d] slot %s: %v", e.Spec, e.Index, e.Slot, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }
