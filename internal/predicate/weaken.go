package predicate

import (
	"fmt"
	"math"
)

// The functions below produce predicates implied by their input: every value
// satisfying the input satisfies the result.

// WeakenAnd drops operand i of an And.
func WeakenAnd(p Predicate, i int) (Predicate, error) {
	if p.Kind != KindAnd {
		return Predicate{}, fmt.Errorf("%w: WeakenAnd on %s", ErrInvalidPredicate, p.Kind)
	}
	if i < 0 || i >= len(p.Operands) {
		return Predicate{}, fmt.Errorf("%w: operand %d out of range", ErrInvalidPredicate, i)
	}
	if len(p.Operands) == 1 {
		return Any(), nil
	}
	ops := make([]Predicate, 0, len(p.Operands)-1)
	ops = append(ops, p.Operands[:i]...)
	ops = append(ops, p.Operands[i+1:]...)
	return And(ops...), nil
}

// WidenOr adds q as an alternative to p.
func WidenOr(p, q Predicate) Predicate {
	if p.Kind == KindOr {
		ops := append(append([]Predicate(nil), p.Operands...), q)
		return Or(ops...)
	}
	return Or(p, q)
}

// WidenRange extends a NumericRange by by on both sides, saturating at the
// int64 limits.
func WidenRange(p Predicate, by int64) (Predicate, error) {
	if p.Kind != KindNumericRange {
		return Predicate{}, fmt.Errorf("%w: WidenRange on %s", ErrInvalidPredicate, p.Kind)
	}
	if by < 0 {
		return Predicate{}, fmt.Errorf("%w: negative widening %d", ErrInvalidPredicate, by)
	}
	lo, hi := p.Min-by, p.Max+by
	if lo > p.Min {
		lo = math.MinInt64
	}
	if hi < p.Max {
		hi = math.MaxInt64
	}
	return NumericRange(lo, hi), nil
}

// WidenOneOf adds members to a OneOf.
func WidenOneOf(p Predicate, extra ...string) (Predicate, error) {
	if p.Kind != KindOneOf {
		return Predicate{}, fmt.Errorf("%w: WidenOneOf on %s", ErrInvalidPredicate, p.Kind)
	}
	return OneOf(append(append([]string(nil), p.Values...), extra...)...), nil
}

// Weakenings lists the immediate weakenings of p that need no extra input.
func Weakenings(p Predicate) []Predicate {
	var out []Predicate
	switch p.Kind {
	case KindAnd:
		for i := range p.Operands {
			w, err := WeakenAnd(p, i)
			if err == nil {
				out = append(out, w)
			}
		}
	case KindEquals:
		out = append(out, OneOf(p.Value), Contains(p.Value))
	case KindNumericRange:
		if w, err := WidenRange(p, 1); err == nil {
			out = append(out, w)
		}
	case KindXor:
		out = append(out, Or(p.Operands...))
	}
	if p.Kind != KindAny {
		out = append(out, Any())
	}
	return out
}
