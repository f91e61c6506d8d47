package regex

import (
	"errors"
	"fmt"
)

var (
	ErrPatternTooLarge    = errors.New("pattern too large")
	ErrUnsupportedPattern = errors.New("unsupported pattern")
	ErrInvalidPattern     = errors.New("invalid pattern")
)

// PatternCompileError reports why a pattern could not be turned into a
// symbolic term.
type PatternCompileError struct {
	Kind    error
	Pattern string
	Msg     string
}

func (e *PatternCompileError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %q", e.Kind.Error(), e.Pattern)
	}
	return fmt.Sprintf("%s: %q: %s", e.Kind.Error(), e.Pattern, e.Msg)
}

func (e *PatternCompileError) Unwrap() error { return e.Kind }

func tooLargef(pattern, format string, args ...any) error {
	return &PatternCompileError{Kind: ErrPatternTooLarge, Pattern: pattern, Msg: fmt.Sprintf(format, args...)}
}

func unsupportedf(pattern, format string, args ...any) error {
	return &PatternCompileError{Kind: ErrUnsupportedPattern, Pattern: pattern, Msg: fmt.Sprintf(format, args...)}
}
