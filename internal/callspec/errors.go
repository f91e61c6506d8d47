package callspec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSpecInvalid     = errors.New("spec invalid")
	ErrDependencyCycle = errors.New("slot dependency cycle")
)

// SpecError reports why a spec was rejected at registration.
type SpecError struct {
	Kind error
	Spec string
	Msg  string
}

func (e *SpecError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Spec)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind.Error(), e.Spec, e.Msg)
}

func (e *SpecError) Unwrap() error { return e.Kind }

func invalidf(spec, format string, args ...any) error {
	return &SpecError{Kind: ErrSpecInvalid, Spec: spec, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(spec string, path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &SpecError{Kind: ErrDependencyCycle, Spec: spec, Msg: msg}
}
