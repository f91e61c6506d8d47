package predicate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

var (
	ErrViolation        = errors.New("predicate violated")
	ErrInvalidPredicate = errors.New("invalid predicate")
)

// ViolationError describes a value that does not satisfy a predicate.
type ViolationError struct {
	Predicate string
	Value     string
	Msg       string
}

func (e *ViolationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %q does not satisfy %s: %s", ErrViolation.Error(), e.Value, e.Predicate, e.Msg)
}

func (e *ViolationError) Unwrap() error { return ErrViolation }

// Validator interprets predicate trees. Exists answers PathExists; when nil
// the host filesystem is consulted.
type Validator struct {
	Exists func(path string) bool
}

// Validate checks value against p with the host filesystem.
func Validate(p Predicate, value string) error {
	return Validator{}.Validate(p, value)
}

// Validate returns nil when value satisfies p, a *ViolationError when it does
// not, and an ErrInvalidPredicate error when p itself is malformed.
func (v Validator) Validate(p Predicate, value string) error {
	ok, msg, err := v.eval(p, value)
	if err != nil {
		return err
	}
	if !ok {
		return &ViolationError{Predicate: p.String(), Value: value, Msg: msg}
	}
	return nil
}

func (v Validator) eval(p Predicate, value string) (bool, string, error) {
	switch p.Kind {
	case KindAny:
		return true, "", nil
	case KindRegex:
		re, err := wholeMatch(p.Pattern)
		if err != nil {
			return false, "", err
		}
		return re.MatchString(value), "no match", nil
	case KindPathExists:
		return v.exists(value), "path does not exist", nil
	case KindInDir:
		return withinDir(p.Root, value), "outside " + p.Root, nil
	case KindLowerCase:
		for _, r := range value {
			if unicode.IsUpper(r) || unicode.IsTitle(r) {
				return false, fmt.Sprintf("contains upper-case %q", r), nil
			}
		}
		return true, "", nil
	case KindNumericRange:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false, "not an integer", nil
		}
		if n < p.Min || n > p.Max {
			return false, fmt.Sprintf("%d outside [%d, %d]", n, p.Min, p.Max), nil
		}
		return true, "", nil
	case KindOneOf:
		for _, m := range p.Values {
			if m == value {
				return true, "", nil
			}
		}
		return false, "not a member", nil
	case KindEquals:
		return value == p.Value, "not equal", nil
	case KindContains:
		return strings.Contains(value, p.Value), "substring missing", nil
	case KindAnd:
		for i, op := range p.Operands {
			ok, msg, err := v.eval(op, value)
			if err != nil || !ok {
				return false, fmt.Sprintf("operand %d: %s", i, msg), err
			}
		}
		return true, "", nil
	case KindOr:
		msgs := make([]string, 0, len(p.Operands))
		for _, op := range p.Operands {
			ok, msg, err := v.eval(op, value)
			if err != nil {
				return false, "", err
			}
			if ok {
				return true, "", nil
			}
			msgs = append(msgs, msg)
		}
		return false, "no operand holds: " + strings.Join(msgs, "; "), nil
	case KindXor:
		held := 0
		for _, op := range p.Operands {
			ok, _, err := v.eval(op, value)
			if err != nil {
				return false, "", err
			}
			if ok {
				held++
			}
		}
		return held == 1, fmt.Sprintf("%d operands hold", held), nil
	case KindNot:
		if len(p.Operands) != 1 {
			return false, "", p.Check()
		}
		ok, _, err := v.eval(p.Operands[0], value)
		if err != nil {
			return false, "", err
		}
		return !ok, "negated operand holds", nil
	}
	return false, "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPredicate, p.Kind)
}

func (v Validator) exists(path string) bool {
	if v.Exists != nil {
		return v.Exists(path)
	}
	_, err := os.Lstat(path)
	return err == nil
}

// withinDir reports whether value names a path strictly below root, judged
// lexically.
func withinDir(root, value string) bool {
	if value == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(value))
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return filepath.IsAbs(root) == filepath.IsAbs(value)
}

var wholeCache sync.Map

func wholeMatch(pattern string) (*regexp.Regexp, error) {
	if re, ok := wholeCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("%w: regex %q: %v", ErrInvalidPredicate, pattern, err)
	}
	wholeCache.Store(pattern, re)
	return re, nil
}
