package generate

import (
	"math/rand"
	"sort"
	"strconv"

	"callcheck/internal/callspec"
	"callcheck/internal/predicate"
)

const (
	alnum        = "abcdefghijklmnopqrstuvwxyz0123456789"
	randIntBound = 100
)

// Unconstrained draws a random value of domain: short lowercase
// alphanumeric strings, plain relative file names, or small integers.
func Unconstrained(domain callspec.Domain, rng *rand.Rand) string {
	switch domain {
	case callspec.DomainInteger:
		return strconv.Itoa(rng.Intn(2*randIntBound+1) - randIntBound)
	case callspec.DomainPath:
		return "f" + randomAlnum(rng, 1+rng.Intn(6))
	default:
		return randomAlnum(rng, 1+rng.Intn(8))
	}
}

func randomAlnum(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alnum[rng.Intn(len(alnum))]
	}
	return string(b)
}

// Shrink proposes smaller replacements for value, smallest first. Strings
// shrink by length and integers toward zero. Enum values do not shrink.
func Shrink(domain callspec.Domain, value string) []string {
	var out []string
	add := func(c string) {
		if c == value {
			return
		}
		for _, o := range out {
			if o == c {
				return
			}
		}
		out = append(out, c)
	}

	switch domain {
	case callspec.DomainEnum:
		return nil
	case callspec.DomainInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n == 0 {
			return nil
		}
		step := int64(1)
		if n < 0 {
			step = -1
		}
		add("0")
		add(strconv.FormatInt(n/2, 10))
		add(strconv.FormatInt(n-step, 10))
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := strconv.ParseInt(out[i], 10, 64)
			b, _ := strconv.ParseInt(out[j], 10, 64)
			return abs(a) < abs(b)
		})
		return out
	}

	r := []rune(value)
	if len(r) == 0 {
		return nil
	}
	add("")
	add(string(r[:1]))
	add(string(r[:len(r)/2]))
	add(string(r[:len(r)-1]))
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) < len(out[j]) })
	return out
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// ShrinkCandidates derives smaller variants of sc, each changing one slot:
// a shorter value that still satisfies the slot's predicate, or one fewer
// variadic element. Slots with closed finite domains and slots other slots
// depend on are left alone. Candidates come in slot order, smallest first
// within a slot.
func ShrinkCandidates(spec callspec.CallSpec, sc *callspec.Subcase) []*callspec.Subcase {
	dependedOn := map[string]bool{}
	for _, sl := range spec.Slots {
		for _, d := range sl.DependsOn {
			dependedOn[d] = true
		}
	}
	val := predicate.Validator{Exists: fixtureExists(spec)}
	bindings := sc.Bindings()

	var out []*callspec.Subcase
	for _, sl := range spec.Slots {
		if dependedOn[sl.Name] {
			continue
		}
		values := sc.Values[sl.Name]
		if sl.Variadic && len(values) > sl.Min {
			out = append(out, withValues(spec, sc, sl.Name, values[:len(values)-1]))
		}
		pred := sl.Predicate.Expand(bindings)
		if _, finite := finiteMembers(pred, &spec); finite {
			continue
		}
		for i, v := range values {
			for _, c := range Shrink(sl.Domain, v) {
				if val.Validate(pred, c) != nil {
					continue
				}
				next := append([]string(nil), values...)
				next[i] = c
				out = append(out, withValues(spec, sc, sl.Name, next))
			}
		}
	}
	return out
}

func withValues(spec callspec.CallSpec, sc *callspec.Subcase, slot string, vs []string) *callspec.Subcase {
	cp := *sc
	cp.Values = make(map[string][]string, len(sc.Values))
	for k, v := range sc.Values {
		cp.Values[k] = v
	}
	cp.Values[slot] = append([]string(nil), vs...)
	cp.Args = cp.Args[:0:0]
	for _, sl := range spec.Slots {
		cp.Args = append(cp.Args, cp.Values[sl.Name]...)
	}
	return &cp
}
