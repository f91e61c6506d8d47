package solver

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"callcheck/internal/regex"
	"callcheck/internal/symre"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustCompile(t *testing.T, pattern string) *symre.Term {
	t.Helper()
	term, err := regex.CompilePattern(pattern, regex.Options{})
	require.NoError(t, err)
	return term
}

func TestSamplesMatchReferenceMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		// size is the language size when it is below the sample count.
		size int
	}{
		{pattern: `[a-z]{3}`},
		{pattern: `[a-z]+\.txt`},
		{pattern: `(foo|bar)-[0-9]{2,4}`},
		{pattern: `x*`},
		{pattern: `[^/]+`},
		{pattern: `\p{Greek}{2}`},
		{pattern: `(?i)abc`, size: 8},
		{pattern: `v[0-9]+\.[0-9]+\.[0-9]+(-rc[0-9])?`},
		{pattern: `.{1,5}`},
	}
	a := NewAutomaton(nil)
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			ref := regexp.MustCompile(`^(?:` + tt.pattern + `)$`)
			c := RegexConstraint(mustCompile(t, tt.pattern))
			n := 20
			if tt.size > 0 {
				n = tt.size
			}
			var seen []string
			for i := 0; i < n; i++ {
				v, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: seen, Seed: int64(i)})
				require.NoError(t, err)
				assert.True(t, ref.MatchString(v), "sample %q does not match %s", v, tt.pattern)
				assert.NotContains(t, seen, v)
				seen = append(seen, v)
			}
			if tt.size > 0 {
				_, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: seen, Seed: int64(n)})
				require.ErrorIs(t, err, ErrExhausted)
			}
		})
	}
}

func TestDistinctSamplesWithExclusions(t *testing.T) {
	a := NewAutomaton(nil)
	c := RegexConstraint(mustCompile(t, `[ab]{2}`))
	excl := NewExclusionSet()
	key := c.Key()

	for i := 0; i < 4; i++ {
		v, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: excl.Snapshot(key), Seed: 1})
		require.NoError(t, err)
		require.True(t, excl.Add(key, v), "duplicate sample %q", v)
	}
	assert.Equal(t, []string{"aa", "ab", "ba", "bb"}, excl.Snapshot(key))

	_, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: excl.Snapshot(key), Seed: 1})
	require.ErrorIs(t, err, ErrExhausted)
	assert.NotErrorIs(t, err, ErrUnsatisfiable)
}

func TestEnumerationFindsRareMember(t *testing.T) {
	a := NewAutomaton(nil)
	c := RegexConstraint(mustCompile(t, `[a-z]`))
	var excl []string
	for r := 'a'; r <= 'z'; r++ {
		if r != 'q' {
			excl = append(excl, string(r))
		}
	}
	v, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: excl, Budget: 1, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, "q", v)
}

func TestUnsatisfiableIsTerminal(t *testing.T) {
	p := mustCompile(t, `[a-z]{3}`)
	cases := map[string]*symre.Term{
		"self contradiction": symre.Inter(p, symre.Complement(p)),
		"disjoint":           symre.Inter(p, mustCompile(t, `[0-9]+`)),
		"empty class":        symre.Empty(),
	}
	a := NewAutomaton(nil)
	for name, term := range cases {
		t.Run(name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() {
				_, err := a.Sample(context.Background(), Query{Constraint: RegexConstraint(term)})
				done <- err
			}()
			select {
			case err := <-done:
				require.ErrorIs(t, err, ErrUnsatisfiable)
			case <-time.After(5 * time.Second):
				t.Fatal("sampling an empty language did not return")
			}

			empty, err := a.IsEmpty(context.Background(), term)
			require.NoError(t, err)
			assert.True(t, empty)
		})
	}
}

func TestSamplingIsDeterministic(t *testing.T) {
	c := RegexConstraint(mustCompile(t, `[a-z0-9_]{4,12}`))
	q := Query{Constraint: c, Exclusions: []string{"abcd"}, Seed: 42}

	v1, err := NewAutomaton(nil).Sample(context.Background(), q)
	require.NoError(t, err)
	v2, err := NewAutomaton(nil).Sample(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestIntersectionAndComplementAreExact(t *testing.T) {
	term := symre.Inter(mustCompile(t, `[a-c]{2}`), symre.Complement(mustCompile(t, `a.`)))
	a := NewAutomaton(nil)
	var seen []string
	for i := 0; i < 6; i++ {
		v, err := a.Sample(context.Background(), Query{Constraint: RegexConstraint(term), Exclusions: seen, Seed: 9})
		require.NoError(t, err)
		assert.Regexp(t, `^[bc][a-c]$`, v)
		seen = append(seen, v)
	}
	_, err := a.Sample(context.Background(), Query{Constraint: RegexConstraint(term), Exclusions: seen, Seed: 9})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestStateLimit(t *testing.T) {
	// (a|b)*a(a|b){n} needs 2^n states once determinized.
	term := mustCompile(t, `[ab]*a[ab]{12}`)
	a := &Automaton{MaxStates: 64}
	_, err := a.Sample(context.Background(), Query{Constraint: RegexConstraint(term)})
	require.ErrorIs(t, err, ErrStateLimit)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAutomaton(nil).Sample(ctx, Query{Constraint: RegexConstraint(mustCompile(t, `[a-z]+`))})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIntRange(t *testing.T) {
	a := NewAutomaton(nil)
	c := IntConstraint(-2, 2)
	var seen []string
	for i := 0; i < 5; i++ {
		v, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: seen, Seed: 5})
		require.NoError(t, err)
		n, err := strconv.ParseInt(v, 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(-2))
		assert.LessOrEqual(t, n, int64(2))
		assert.NotContains(t, seen, v)
		seen = append(seen, v)
	}
	_, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: seen, Seed: 5})
	require.ErrorIs(t, err, ErrExhausted)

	_, err = a.Sample(context.Background(), Query{Constraint: IntConstraint(3, 1)})
	require.ErrorIs(t, err, ErrUnsatisfiable)

	v, err := a.Sample(context.Background(), Query{Constraint: IntConstraint(-9223372036854775808, 9223372036854775807), Seed: 1})
	require.NoError(t, err)
	_, err = strconv.ParseInt(v, 10, 64)
	require.NoError(t, err)
}

func TestConstraintValidation(t *testing.T) {
	_, err := NewAutomaton(nil).Sample(context.Background(), Query{})
	require.Error(t, err)
	assert.Equal(t, "unset", Constraint{}.Key())
	assert.Equal(t, "int(1,2)", IntConstraint(1, 2).Key())
}

func TestExclusionSet(t *testing.T) {
	e := NewExclusionSet()
	assert.True(t, e.Add("k", "b"))
	assert.True(t, e.Add("k", "a"))
	assert.False(t, e.Add("k", "a"))
	assert.True(t, e.Add("other", "a"))
	assert.Equal(t, []string{"a", "b"}, e.Snapshot("k"))
	assert.Equal(t, 2, e.Len("k"))
	e.Reset()
	assert.Empty(t, e.Snapshot("k"))
}

func TestIntSetAlgebra(t *testing.T) {
	s := IntSet{{Min: 5, Max: 9}, {Min: 1, Max: 3}, {Min: 4, Max: 4}, {Min: 20, Max: 10}}.Normalize()
	assert.Equal(t, IntSet{{Min: 1, Max: 9}}, s)

	a := IntSet{{Min: 0, Max: 10}, {Min: 20, Max: 30}}
	b := IntSet{{Min: 5, Max: 25}}
	assert.Equal(t, IntSet{{Min: 5, Max: 10}, {Min: 20, Max: 25}}, a.Intersect(b))
	assert.Equal(t, IntSet{{Min: 0, Max: 30}}, a.Union(b))
	assert.Empty(t, a.Intersect(IntSet{{Min: 11, Max: 19}}))

	c := IntSet{{Min: math.MinInt64, Max: -1}, {Min: 10, Max: math.MaxInt64}}.Complement()
	assert.Equal(t, IntSet{{Min: 0, Max: 9}}, c)
	assert.Equal(t, IntSet{{Min: math.MinInt64, Max: -1}, {Min: 10, Max: math.MaxInt64}}, c.Complement())
	assert.Equal(t, IntSet{{Min: math.MinInt64, Max: math.MaxInt64}}, IntSet(nil).Complement())
	assert.Empty(t, IntSet{{Min: math.MinInt64, Max: math.MaxInt64}}.Complement())

	assert.True(t, a.Contains(25))
	assert.False(t, a.Contains(15))
	assert.Equal(t, "int(0,10|20,30)", IntSetConstraint(a).Key())
}

func TestIntSetSampling(t *testing.T) {
	a := NewAutomaton(nil)
	set := IntSet{{Min: 1000, Max: 1002}, {Min: 5000, Max: 5001}}
	c := IntSetConstraint(set)
	var seen []string
	for i := 0; i < 5; i++ {
		v, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: seen, Seed: 3})
		require.NoError(t, err)
		n, err := strconv.ParseInt(v, 10, 64)
		require.NoError(t, err)
		assert.True(t, set.Contains(n), "sample %d outside %s", n, set)
		assert.NotContains(t, seen, v)
		seen = append(seen, v)
	}
	_, err := a.Sample(context.Background(), Query{Constraint: c, Exclusions: seen, Seed: 3})
	require.ErrorIs(t, err, ErrExhausted)

	_, err = a.Sample(context.Background(), Query{Constraint: IntSetConstraint(nil)})
	require.ErrorIs(t, err, ErrUnsatisfiable)
}
