// Package solver produces distinct values satisfying symbolic constraints.
//
// A Sampler answers one Query at a time: a constraint, the witnesses already
// handed out for it, an attempt budget and a seed. It returns a fresh value,
// ErrUnsatisfiable when no value can ever exist, or ErrExhausted when it could
// not find a value outside the exclusions within its limits. The same query
// always yields the same answer.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"callcheck/internal/symre"
)

var (
	// ErrUnsatisfiable is terminal: callers must not retry the constraint.
	ErrUnsatisfiable = errors.New("constraint unsatisfiable")
	ErrExhausted     = errors.New("sampling budget exhausted")
	ErrStateLimit    = errors.New("automaton state limit exceeded")
)

// DefaultBudget is the number of random draws tried before enumeration.
const DefaultBudget = 64

// IntRange is an inclusive integer interval.
type IntRange struct {
	Min, Max int64
}

// Constraint is either a regex term over strings or a set of integers.
// Values of integer constraints are rendered in base 10.
type Constraint struct {
	Regex *symre.Term
	Int   *IntSet
}

func RegexConstraint(t *symre.Term) Constraint { return Constraint{Regex: t} }

// IntConstraint admits the integers of [min, max]. An inverted range is
// empty.
func IntConstraint(min, max int64) Constraint {
	return IntSetConstraint(IntSet{{Min: min, Max: max}})
}

// IntSetConstraint admits the members of s.
func IntSetConstraint(s IntSet) Constraint {
	n := s.Normalize()
	return Constraint{Int: &n}
}

// Key identifies the constraint.
func (c Constraint) Key() string {
	switch {
	case c.Regex != nil:
		return c.Regex.Key()
	case c.Int != nil:
		return "int(" + c.Int.String() + ")"
	}
	return "unset"
}

func (c Constraint) validate() error {
	if (c.Regex == nil) == (c.Int == nil) {
		return fmt.Errorf("solver: constraint must set exactly one of Regex and Int")
	}
	return nil
}

// Query is one sampling request.
type Query struct {
	Constraint Constraint
	// Exclusions are witnesses the answer must differ from.
	Exclusions []string
	// Budget bounds the random attempts. Zero means DefaultBudget.
	Budget int
	Seed   int64
}

func (q Query) budget() int {
	if q.Budget <= 0 {
		return DefaultBudget
	}
	return q.Budget
}

// Sampler is the narrow solver interface the generator depends on.
type Sampler interface {
	Sample(ctx context.Context, q Query) (string, error)
}

// ExclusionSet records the witnesses handed out per constraint key. It is
// the only state shared between generator goroutines.
type ExclusionSet struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func NewExclusionSet() *ExclusionSet {
	return &ExclusionSet{sets: make(map[string]map[string]struct{})}
}

// Snapshot returns the witnesses for key in sorted order.
func (e *ExclusionSet) Snapshot(key string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.sets[key]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Add records v for key and reports whether it was new.
func (e *ExclusionSet) Add(key, v string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.sets[key]
	if !ok {
		set = make(map[string]struct{})
		e.sets[key] = set
	}
	if _, dup := set[v]; dup {
		return false
	}
	set[v] = struct{}{}
	return true
}

func (e *ExclusionSet) Len(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sets[key])
}

// Reset forgets every witness.
func (e *ExclusionSet) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets = make(map[string]map[string]struct{})
}

func toSet(vs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		set[v] = struct{}{}
	}
	return set
}

// mixSeed derives the stream seed for a query so that repeated queries with
// growing exclusion sets do not replay the same draws.
func mixSeed(seed int64, salt int) int64 {
	z := uint64(seed) + uint64(salt)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
