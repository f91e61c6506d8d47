package symre

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Kind discriminates the node types of a Term.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindEpsilon
	KindRange
	KindConcat
	KindUnion
	KindInter
	KindStar
	KindPlus
	KindOpt
	KindComplement
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindEpsilon:
		return "epsilon"
	case KindRange:
		return "range"
	case KindConcat:
		return "concat"
	case KindUnion:
		return "union"
	case KindInter:
		return "inter"
	case KindStar:
		return "star"
	case KindPlus:
		return "plus"
	case KindOpt:
		return "opt"
	case KindComplement:
		return "complement"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// The character universe. NUL is excluded because argv entries cannot carry it.
const (
	UniverseMin rune = 1
	UniverseMax rune = unicode.MaxRune
)

// Term is an immutable node of the symbolic regex algebra.
type Term struct {
	kind     Kind
	lo, hi   rune
	subs     []*Term
	key      string
	size     int
	nullable bool
}

var (
	emptyTerm   = &Term{kind: KindEmpty, key: "none", size: 1}
	epsilonTerm = &Term{kind: KindEpsilon, key: "eps", size: 1, nullable: true}
)

// Kind returns the node type.
func (t *Term) Kind() Kind { return t.kind }

// Range returns the inclusive bounds of a KindRange node.
func (t *Term) Range() (lo, hi rune) { return t.lo, t.hi }

// Subs returns a copy of the operands.
func (t *Term) Subs() []*Term {
	out := make([]*Term, len(t.subs))
	copy(out, t.subs)
	return out
}

// Key is the canonical identity of the term.
func (t *Term) Key() string { return t.key }

// Size is the number of nodes in the term tree.
func (t *Term) Size() int { return t.size }

// Nullable reports whether the term accepts the empty string.
func (t *Term) Nullable() bool { return t.nullable }

func (t *Term) String() string { return t.key }

// Empty matches nothing.
func Empty() *Term { return emptyTerm }

// Epsilon matches only the empty string.
func Epsilon() *Term { return epsilonTerm }

// Universal matches every string over the universe.
func Universal() *Term { return Complement(emptyTerm) }

// AnyChar matches any single character of the universe.
func AnyChar() *Term { return Range(UniverseMin, UniverseMax) }

// Char matches exactly r.
func Char(r rune) *Term { return Range(r, r) }

// Range matches one character in [lo, hi], clipped to the universe.
func Range(lo, hi rune) *Term {
	if lo < UniverseMin {
		lo = UniverseMin
	}
	if hi > UniverseMax {
		hi = UniverseMax
	}
	if lo > hi {
		return emptyTerm
	}
	return &Term{
		kind: KindRange,
		lo:   lo,
		hi:   hi,
		key:  fmt.Sprintf("r(%x,%x)", lo, hi),
		size: 1,
	}
}

// Literal matches exactly s.
func Literal(s string) *Term {
	parts := make([]*Term, 0, len(s))
	for _, r := range s {
		parts = append(parts, Char(r))
	}
	return Concat(parts...)
}

// Concat matches the concatenation of its operands.
func Concat(ts ...*Term) *Term {
	flat := make([]*Term, 0, len(ts))
	for _, t := range ts {
		switch t.kind {
		case KindEmpty:
			return emptyTerm
		case KindEpsilon:
			continue
		case KindConcat:
			flat = append(flat, t.subs...)
		default:
			flat = append(flat, t)
		}
	}
	switch len(flat) {
	case 0:
		return epsilonTerm
	case 1:
		return flat[0]
	}
	nullable := true
	for _, t := range flat {
		if !t.nullable {
			nullable = false
			break
		}
	}
	return composite(KindConcat, flat, nullable)
}

// Union matches any string matched by one of its operands.
func Union(ts ...*Term) *Term {
	flat := make([]*Term, 0, len(ts))
	var ranges []*Term
	for _, t := range ts {
		switch t.kind {
		case KindEmpty:
			continue
		case KindUnion:
			for _, s := range t.subs {
				if s.kind == KindRange {
					ranges = append(ranges, s)
				} else {
					flat = append(flat, s)
				}
			}
		case KindRange:
			ranges = append(ranges, t)
		default:
			if isUniversal(t) {
				return t
			}
			flat = append(flat, t)
		}
	}
	flat = append(flat, mergeRanges(ranges)...)
	flat = dedupeSorted(flat)
	switch len(flat) {
	case 0:
		return emptyTerm
	case 1:
		return flat[0]
	}
	nullable := false
	for _, t := range flat {
		if t.nullable {
			nullable = true
			break
		}
	}
	return composite(KindUnion, flat, nullable)
}

// Inter matches strings matched by every operand.
func Inter(ts ...*Term) *Term {
	flat := make([]*Term, 0, len(ts))
	for _, t := range ts {
		switch {
		case t.kind == KindEmpty:
			return emptyTerm
		case isUniversal(t):
			continue
		case t.kind == KindInter:
			flat = append(flat, t.subs...)
		default:
			flat = append(flat, t)
		}
	}
	flat = dedupeSorted(flat)
	switch len(flat) {
	case 0:
		return Universal()
	case 1:
		return flat[0]
	}
	nullable := true
	for _, t := range flat {
		if !t.nullable {
			nullable = false
			break
		}
	}
	return composite(KindInter, flat, nullable)
}

// Star matches zero or more repetitions of t.
func Star(t *Term) *Term {
	switch t.kind {
	case KindEmpty, KindEpsilon:
		return epsilonTerm
	case KindStar:
		return t
	case KindPlus, KindOpt:
		return Star(t.subs[0])
	}
	return composite(KindStar, []*Term{t}, true)
}

// Plus matches one or more repetitions of t.
func Plus(t *Term) *Term {
	switch t.kind {
	case KindEmpty, KindEpsilon, KindStar, KindPlus:
		return t
	case KindOpt:
		return Star(t.subs[0])
	}
	if t.nullable {
		return Star(t)
	}
	return composite(KindPlus, []*Term{t}, false)
}

// Opt matches t or the empty string.
func Opt(t *Term) *Term {
	switch t.kind {
	case KindEmpty:
		return epsilonTerm
	case KindPlus:
		return Star(t.subs[0])
	}
	if t.nullable {
		return t
	}
	return composite(KindOpt, []*Term{t}, true)
}

// Complement matches every string of the universe not matched by t.
func Complement(t *Term) *Term {
	if t.kind == KindComplement {
		return t.subs[0]
	}
	return composite(KindComplement, []*Term{t}, !t.nullable)
}

func isUniversal(t *Term) bool {
	return t.kind == KindComplement && t.subs[0].kind == KindEmpty
}

func composite(kind Kind, subs []*Term, nullable bool) *Term {
	var b strings.Builder
	size := 1
	switch kind {
	case KindConcat:
		b.WriteString("cat(")
	case KindUnion:
		b.WriteString("or(")
	case KindInter:
		b.WriteString("and(")
	case KindStar:
		b.WriteString("star(")
	case KindPlus:
		b.WriteString("plus(")
	case KindOpt:
		b.WriteString("opt(")
	case KindComplement:
		b.WriteString("not(")
	}
	for i, s := range subs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s.key)
		size += s.size
	}
	b.WriteByte(')')
	return &Term{kind: kind, subs: subs, key: b.String(), size: size, nullable: nullable}
}

// mergeRanges coalesces overlapping and adjacent character ranges.
func mergeRanges(ranges []*Term) []*Term {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := make([]*Term, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].lo < sorted[j].lo })

	out := make([]*Term, 0, len(sorted))
	lo, hi := sorted[0].lo, sorted[0].hi
	for _, r := range sorted[1:] {
		if r.lo <= hi+1 {
			if r.hi > hi {
				hi = r.hi
			}
			continue
		}
		out = append(out, Range(lo, hi))
		lo, hi = r.lo, r.hi
	}
	return append(out, Range(lo, hi))
}

func dedupeSorted(ts []*Term) []*Term {
	sort.Slice(ts, func(i, j int) bool { return ts[i].key < ts[j].key })
	out := ts[:0]
	for i, t := range ts {
		if i > 0 && t.key == ts[i-1].key {
			continue
		}
		out = append(out, t)
	}
	return out
}
