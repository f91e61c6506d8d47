package predicate

import (
	"path/filepath"
	"sort"
	"sync"
	"unicode"

	"callcheck/internal/regex"
	"callcheck/internal/symre"
)

// Translation is the symbolic approximation of a predicate.
//
// Sound means every string matched by Term satisfies the predicate; Complete
// means every satisfying string is matched by Term. A translation that is
// both is exact. Term is nil when no part of the predicate is symbolic.
type Translation struct {
	Term     *symre.Term
	Sound    bool
	Complete bool
}

// Exact reports whether Term describes the predicate precisely.
func (t Translation) Exact() bool { return t.Term != nil && t.Sound && t.Complete }

// Symbolic translates p into the regex algebra. Leaves the algebra cannot
// express (PathExists, NumericRange) are dropped, and the soundness and
// completeness flags record what was lost. Regex patterns that do not compile
// return the compiler's error.
func Symbolic(p Predicate, opts regex.Options) (Translation, error) {
	switch p.Kind {
	case KindAny:
		return exact(symre.Universal()), nil
	case KindRegex:
		t, err := regex.CompilePattern(p.Pattern, opts)
		if err != nil {
			return Translation{}, err
		}
		return exact(t), nil
	case KindEquals:
		return exact(symre.Literal(p.Value)), nil
	case KindOneOf:
		alts := make([]*symre.Term, len(p.Values))
		for i, v := range p.Values {
			alts[i] = symre.Literal(v)
		}
		return exact(symre.Union(alts...)), nil
	case KindContains:
		return exact(symre.Concat(symre.Universal(), symre.Literal(p.Value), symre.Universal())), nil
	case KindLowerCase:
		return exact(symre.Star(notUpper())), nil
	case KindInDir:
		return Translation{Term: inDirTerm(p.Root), Sound: true}, nil
	case KindPathExists, KindNumericRange:
		return Translation{}, nil
	case KindAnd:
		var terms []*symre.Term
		sound, complete := true, true
		for _, op := range p.Operands {
			tr, err := Symbolic(op, opts)
			if err != nil {
				return Translation{}, err
			}
			if tr.Term == nil {
				sound = false
				continue
			}
			terms = append(terms, tr.Term)
			sound = sound && tr.Sound
			complete = complete && tr.Complete
		}
		if len(terms) == 0 {
			return Translation{}, nil
		}
		return Translation{Term: symre.Inter(terms...), Sound: sound, Complete: complete}, nil
	case KindOr:
		var terms []*symre.Term
		sound, complete := true, true
		for _, op := range p.Operands {
			tr, err := Symbolic(op, opts)
			if err != nil {
				return Translation{}, err
			}
			if tr.Term == nil {
				complete = false
				continue
			}
			terms = append(terms, tr.Term)
			sound = sound && tr.Sound
			complete = complete && tr.Complete
		}
		if len(terms) == 0 {
			return Translation{}, nil
		}
		return Translation{Term: symre.Union(terms...), Sound: sound, Complete: complete}, nil
	case KindNot:
		if len(p.Operands) != 1 {
			return Translation{}, p.Check()
		}
		tr, err := Symbolic(p.Operands[0], opts)
		if err != nil || tr.Term == nil {
			return Translation{}, err
		}
		return Translation{Term: symre.Complement(tr.Term), Sound: tr.Complete, Complete: tr.Sound}, nil
	case KindXor:
		return Symbolic(expandXor(p.Operands), opts)
	}
	return Translation{}, p.Check()
}

func exact(t *symre.Term) Translation {
	return Translation{Term: t, Sound: true, Complete: true}
}

// expandXor rewrites "exactly one of ops" into And, Or and Not.
func expandXor(ops []Predicate) Predicate {
	alts := make([]Predicate, len(ops))
	for i := range ops {
		conj := make([]Predicate, 0, len(ops))
		for j, op := range ops {
			if i == j {
				conj = append(conj, op)
			} else {
				conj = append(conj, Not(op))
			}
		}
		alts[i] = And(conj...)
	}
	return Or(alts...)
}

// inDirTerm matches root/NAME where NAME is a single portable file name that
// does not start with a dot. It is a subset of the InDir language.
func inDirTerm(root string) *symre.Term {
	first := symre.Union(symre.Range('a', 'z'), symre.Range('A', 'Z'), symre.Range('0', '9'), symre.Char('_'))
	rest := symre.Union(first, symre.Char('.'), symre.Char('-'))
	name := symre.Concat(first, symre.Star(rest))

	clean := filepath.ToSlash(filepath.Clean(root))
	if clean == "." {
		return name
	}
	if clean != "/" {
		clean += "/"
	}
	return symre.Concat(symre.Literal(clean), name)
}

var (
	notUpperOnce sync.Once
	notUpperTerm *symre.Term
)

// notUpper matches one character that is neither upper nor title case.
func notUpper() *symre.Term {
	notUpperOnce.Do(func() {
		var ranges []*symre.Term
		for _, table := range []*unicode.RangeTable{unicode.Upper, unicode.Title} {
			for _, r := range table.R16 {
				ranges = appendStrided(ranges, rune(r.Lo), rune(r.Hi), rune(r.Stride))
			}
			for _, r := range table.R32 {
				ranges = appendStrided(ranges, rune(r.Lo), rune(r.Hi), rune(r.Stride))
			}
		}
		upper := symre.Union(ranges...)
		notUpperTerm = complementClass(upper)
	})
	return notUpperTerm
}

func appendStrided(ranges []*symre.Term, lo, hi, stride rune) []*symre.Term {
	if stride == 1 {
		return append(ranges, symre.Range(lo, hi))
	}
	for r := lo; r <= hi; r += stride {
		ranges = append(ranges, symre.Char(r))
	}
	return ranges
}

// complementClass returns the single-character class of every universe
// character outside class, which must be a range or a union of ranges.
func complementClass(class *symre.Term) *symre.Term {
	var spans []*symre.Term
	if class.Kind() == symre.KindRange {
		spans = []*symre.Term{class}
	} else {
		spans = class.Subs()
	}
	// Union orders merged ranges by key; order them by position.
	sort.Slice(spans, func(i, j int) bool {
		a, _ := spans[i].Range()
		b, _ := spans[j].Range()
		return a < b
	})

	var out []*symre.Term
	next := symre.UniverseMin
	for _, s := range spans {
		lo, hi := s.Range()
		if lo > next {
			out = append(out, symre.Range(next, lo-1))
		}
		if hi+1 > next {
			next = hi + 1
		}
	}
	if next <= symre.UniverseMax {
		out = append(out, symre.Range(next, symre.UniverseMax))
	}
	return symre.Union(out...)
}
