package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// IntSet is a union of integer intervals. Normalized sets are sorted,
// disjoint and non-adjacent.
type IntSet []IntRange

// Normalize drops empty intervals and merges overlapping or adjacent ones.
func (s IntSet) Normalize() IntSet {
	out := make(IntSet, 0, len(s))
	for _, r := range s {
		if r.Min <= r.Max {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Min < out[j].Min })
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Max == math.MaxInt64 || r.Min <= last.Max+1 {
				last.Max = max(last.Max, r.Max)
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// Union returns the members of s or t.
func (s IntSet) Union(t IntSet) IntSet {
	return append(append(IntSet(nil), s...), t...).Normalize()
}

// Intersect returns the members of both s and t.
func (s IntSet) Intersect(t IntSet) IntSet {
	a, b := s.Normalize(), t.Normalize()
	var out IntSet
	for i, j := 0, 0; i < len(a) && j < len(b); {
		lo, hi := max(a[i].Min, b[j].Min), min(a[i].Max, b[j].Max)
		if lo <= hi {
			out = append(out, IntRange{Min: lo, Max: hi})
		}
		if a[i].Max < b[j].Max {
			i++
		} else {
			j++
		}
	}
	return out
}

// Complement returns the int64 values outside s.
func (s IntSet) Complement() IntSet {
	var out IntSet
	cur := int64(math.MinInt64)
	for _, r := range s.Normalize() {
		if r.Min > cur {
			out = append(out, IntRange{Min: cur, Max: r.Min - 1})
		}
		if r.Max == math.MaxInt64 {
			return out
		}
		cur = r.Max + 1
	}
	return append(out, IntRange{Min: cur, Max: math.MaxInt64})
}

// Contains reports whether n is a member of s.
func (s IntSet) Contains(n int64) bool {
	for _, r := range s {
		if r.Min <= n && n <= r.Max {
			return true
		}
	}
	return false
}

func (s IntSet) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = fmt.Sprintf("%d,%d", r.Min, r.Max)
	}
	return strings.Join(parts, "|")
}

// span is Max-Min+1; zero means the full int64 range.
func (r IntRange) span() uint64 { return uint64(r.Max-r.Min) + 1 }

func (r IntRange) size() float64 { return float64(r.Max) - float64(r.Min) + 1 }

func (r IntRange) draw(rng *rand.Rand) int64 {
	var off uint64
	if span := r.span(); span == 0 {
		off = rng.Uint64()
	} else {
		off = uint64(rng.Int63()) % span
	}
	return int64(uint64(r.Min) + off)
}

// sampleInt draws from a normalized integer set: Budget random draws
// weighted by interval size, then an ascending scan bounded by the number of
// exclusions.
func sampleInt(ctx context.Context, s IntSet, q Query) (string, error) {
	if len(s) == 0 {
		return "", fmt.Errorf("%w: empty integer set", ErrUnsatisfiable)
	}
	excluded := toSet(q.Exclusions)
	rng := rand.New(rand.NewSource(mixSeed(q.Seed, len(q.Exclusions))))

	total := 0.0
	for _, r := range s {
		total += r.size()
	}
	for i := 0; i < q.budget(); i++ {
		x := rng.Float64() * total
		r := s[len(s)-1]
		for _, c := range s {
			if x -= c.size(); x < 0 {
				r = c
				break
			}
		}
		v := formatInt(r.draw(rng))
		if _, ok := excluded[v]; !ok {
			return v, nil
		}
	}

	// Among the first len(excluded)+1 members one is fresh.
	limit := uint64(len(excluded))
	scanned := uint64(0)
	for _, r := range s {
		span := r.span()
		for off := uint64(0); span == 0 || off < span; off++ {
			if scanned > limit {
				break
			}
			if scanned%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return "", err
				}
			}
			scanned++
			v := formatInt(int64(uint64(r.Min) + off))
			if _, ok := excluded[v]; !ok {
				return v, nil
			}
		}
	}
	return "", fmt.Errorf("%w: all members of {%s} excluded", ErrExhausted, s)
}
