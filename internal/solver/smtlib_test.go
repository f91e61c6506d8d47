package solver

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcheck/internal/symre"
)

func TestBuildScript(t *testing.T) {
	term := symre.Concat(symre.Range('a', 'z'), symre.Star(symre.Char('"')))
	script := BuildScript(Query{Constraint: RegexConstraint(term), Exclusions: []string{"a", `b"`}, Seed: 7})

	assert.Contains(t, script, "(set-option :smt.random_seed 7)")
	assert.Contains(t, script, "(declare-const x String)")
	assert.Contains(t, script, `(assert (str.in_re x (re.++ (re.range "a" "z") (re.* (str.to_re """")))))`)
	assert.Contains(t, script, `(assert (not (= x "a")))`)
	assert.Contains(t, script, `(assert (not (= x "b""")))`)
	assert.Equal(t, 2, strings.Count(script, "(check-sat)"))

	intScript := BuildScript(Query{Constraint: IntConstraint(-5, 5), Exclusions: []string{"-1", "junk"}})
	assert.Contains(t, intScript, "(declare-const x Int)")
	assert.Contains(t, intScript, "(assert (and (>= x (- 5)) (<= x 5)))")
	assert.Contains(t, intScript, "(assert (not (= x (- 1))))")
	assert.NotContains(t, intScript, "junk")

	setScript := BuildScript(Query{Constraint: IntSetConstraint(IntSet{{Min: 5, Max: 6}, {Min: 1, Max: 2}})})
	assert.Contains(t, setScript, "(assert (or (and (>= x 1) (<= x 2)) (and (>= x 5) (<= x 6))))")
	assert.Contains(t, BuildScript(Query{Constraint: IntConstraint(3, 1)}), "(assert false)")
}

func TestRenderRegex(t *testing.T) {
	tests := []struct {
		term *symre.Term
		want string
	}{
		{symre.Empty(), "re.none"},
		{symre.Epsilon(), `(str.to_re "")`},
		{symre.Char('é'), `(str.to_re "\u{e9}")`},
		{symre.Union(symre.Char('a'), symre.Char('c')), `(re.union (str.to_re "a") (str.to_re "c"))`},
		{symre.Complement(symre.Plus(symre.Char('\\'))), `(re.comp (re.+ (str.to_re "\u{5c}")))`},
		{symre.Opt(symre.Char('x')), `(re.opt (str.to_re "x"))`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenderRegex(tt.term))
	}
}

func TestParseResponse(t *testing.T) {
	str := RegexConstraint(symre.Universal())
	num := IntConstraint(-10, 10)

	v, err := ParseResponse("sat\nsat\n((x \"a\"\"b\\u{e9}\"))\n", str)
	require.NoError(t, err)
	assert.Equal(t, `a"bé`, v)

	v, err = ParseResponse("sat\nsat\n((x (- 7)))\n", num)
	require.NoError(t, err)
	assert.Equal(t, "-7", v)

	v, err = ParseResponse("sat\nsat\n((x 3))", num)
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	_, err = ParseResponse("unsat\nunsat\n(error \"line 9: model is not available\")\n", str)
	require.ErrorIs(t, err, ErrUnsatisfiable)

	_, err = ParseResponse("sat\nunsat\n(error \"line 9: model is not available\")\n", str)
	require.ErrorIs(t, err, ErrExhausted)

	_, err = ParseResponse("unknown\nunknown\n", str)
	require.ErrorIs(t, err, ErrExhausted)

	_, err = ParseResponse("garbage", str)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestSMTLibAgainstZ3(t *testing.T) {
	if _, err := exec.LookPath("z3"); err != nil {
		t.Skip("z3 not found on PATH")
	}
	s := NewSMTLib("", nil, nil)
	term := symre.Concat(symre.Range('a', 'z'), symre.Range('a', 'z'), symre.Range('a', 'z'))
	ref := regexp.MustCompile(`^[a-z]{3}$`)

	var seen []string
	for i := 0; i < 3; i++ {
		v, err := s.Sample(context.Background(), Query{Constraint: RegexConstraint(term), Exclusions: seen, Seed: 1})
		require.NoError(t, err)
		assert.True(t, ref.MatchString(v), "model %q", v)
		assert.NotContains(t, seen, v)
		seen = append(seen, v)
	}

	_, err := s.Sample(context.Background(), Query{Constraint: RegexConstraint(symre.Inter(term, symre.Complement(term)))})
	require.ErrorIs(t, err, ErrUnsatisfiable)
}

func TestSMTLibMissingBinary(t *testing.T) {
	s := NewSMTLib("callcheck-no-such-solver", nil, nil)
	_, err := s.Sample(context.Background(), Query{Constraint: IntConstraint(0, 1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsatisfiable)
}

func TestSMTLibCancellation(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not found on PATH")
	}
	q := Query{Constraint: IntConstraint(0, 1)}

	s := NewSMTLib("sleep", []string{"5"}, nil)
	s.Timeout = 100 * time.Millisecond
	_, err := s.Sample(context.Background(), q)
	require.ErrorIs(t, err, ErrExhausted)

	s.Timeout = 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.Sample(ctx, q)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrExhausted)
}
