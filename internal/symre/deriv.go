package symre

import "sort"

// Derive returns the Brzozowski derivative of t with respect to c: the term
// matching every s such that c+s is matched by t.
func Derive(t *Term, c rune) *Term {
	switch t.kind {
	case KindEmpty, KindEpsilon:
		return emptyTerm
	case KindRange:
		if c >= t.lo && c <= t.hi {
			return epsilonTerm
		}
		return emptyTerm
	case KindConcat:
		head, rest := t.subs[0], Concat(t.subs[1:]...)
		d := Concat(Derive(head, c), rest)
		if head.nullable {
			return Union(d, Derive(rest, c))
		}
		return d
	case KindUnion:
		ds := make([]*Term, len(t.subs))
		for i, s := range t.subs {
			ds[i] = Derive(s, c)
		}
		return Union(ds...)
	case KindInter:
		ds := make([]*Term, len(t.subs))
		for i, s := range t.subs {
			ds[i] = Derive(s, c)
			if ds[i].kind == KindEmpty {
				return emptyTerm
			}
		}
		return Inter(ds...)
	case KindStar, KindPlus:
		return Concat(Derive(t.subs[0], c), Star(t.subs[0]))
	case KindOpt:
		return Derive(t.subs[0], c)
	case KindComplement:
		return Complement(Derive(t.subs[0], c))
	}
	return emptyTerm
}

// Matches reports whether t matches s in full.
func Matches(t *Term, s string) bool {
	for _, c := range s {
		if c < UniverseMin {
			return false
		}
		t = Derive(t, c)
		if t.kind == KindEmpty {
			return false
		}
	}
	return t.nullable
}

// Boundaries returns the sorted start points of the coarsest alphabet
// partition on which every range in t is constant. The first element is
// always UniverseMin.
func Boundaries(t *Term) []rune {
	seen := map[rune]struct{}{UniverseMin: {}}
	var walk func(*Term)
	walk = func(n *Term) {
		if n.kind == KindRange {
			seen[n.lo] = struct{}{}
			if n.hi < UniverseMax {
				seen[n.hi+1] = struct{}{}
			}
			return
		}
		for _, s := range n.subs {
			walk(s)
		}
	}
	walk(t)

	out := make([]rune, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
