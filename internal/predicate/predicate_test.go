package predicate

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcheck/internal/regex"
	"callcheck/internal/symre"
)

func TestValidate(t *testing.T) {
	fixtures := map[string]bool{"in/a.txt": true}
	v := Validator{Exists: func(p string) bool { return fixtures[p] }}

	tests := []struct {
		name  string
		pred  Predicate
		value string
		ok    bool
	}{
		{"regex match", Regex(`[a-z]{3}`), "abc", true},
		{"regex is whole-string", Regex(`[a-z]{3}`), "abcd", false},
		{"path exists", PathExists(), "in/a.txt", true},
		{"path missing", PathExists(), "in/b.txt", false},
		{"in dir", InDir("out"), "out/x.txt", true},
		{"in dir nested", InDir("out"), "out/sub/x.txt", true},
		{"in dir root itself", InDir("out"), "out", false},
		{"in dir escape", InDir("out"), "out/../x", false},
		{"in dir sibling prefix", InDir("out"), "outside/x", false},
		{"lower case", LowerCase(), "hello-world_1", true},
		{"lower case rejects upper", LowerCase(), "Hello", false},
		{"lower case rejects title", LowerCase(), "ǅ", false},
		{"range inside", NumericRange(1, 10), "10", true},
		{"range outside", NumericRange(1, 10), "11", false},
		{"range not integer", NumericRange(1, 10), "1.5", false},
		{"one of", OneOf("a", "b"), "b", true},
		{"one of miss", OneOf("a", "b"), "c", false},
		{"equals", Equals("x\n"), "x\n", true},
		{"contains", Contains("needle"), "haystack needle hay", true},
		{"and", And(Regex(`[a-z]+`), Contains("b")), "abc", true},
		{"and fails", And(Regex(`[a-z]+`), Contains("z")), "abc", false},
		{"or", Or(Equals("a"), Equals("b")), "b", true},
		{"or fails", Or(Equals("a"), Equals("b")), "c", false},
		{"not", Not(Equals("a")), "b", true},
		{"xor one", Xor(Contains("a"), Contains("b")), "ax", true},
		{"xor both", Xor(Contains("a"), Contains("b")), "ab", false},
		{"xor none", Xor(Contains("a"), Contains("b")), "xy", false},
		{"any", Any(), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.pred, tt.value)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrViolation)
			var verr *ViolationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.value, verr.Value)
		})
	}
}

func TestValidateInvalidPredicate(t *testing.T) {
	err := Validate(Regex(`(`), "x")
	require.ErrorIs(t, err, ErrInvalidPredicate)
	assert.NotErrorIs(t, err, ErrViolation)

	err = Validate(Predicate{Kind: "bogus"}, "x")
	require.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestCheck(t *testing.T) {
	require.NoError(t, And(Regex(`a+`), Not(LowerCase())).Check())
	assert.ErrorIs(t, NumericRange(5, 1).Check(), ErrInvalidPredicate)
	assert.ErrorIs(t, OneOf().Check(), ErrInvalidPredicate)
	assert.ErrorIs(t, And().Check(), ErrInvalidPredicate)
	assert.ErrorIs(t, Predicate{Kind: KindNot}.Check(), ErrInvalidPredicate)
	assert.ErrorIs(t, InDir("").Check(), ErrInvalidPredicate)
	assert.ErrorIs(t, Or(Regex(`[`)).Check(), ErrInvalidPredicate)
}

func TestStringIsCanonical(t *testing.T) {
	p := And(Regex(`[a-z]{3}`), Not(OneOf("abc", "x\"y")), NumericRange(-1, 2))
	assert.Equal(t, `and(regex("[a-z]{3}"),not(one_of("abc","x\"y")),numeric_range(-1,2))`, p.String())
	assert.Equal(t, p.String(), And(Regex(`[a-z]{3}`), Not(OneOf("abc", "x\"y")), NumericRange(-1, 2)).String())
}

func TestPlaceholdersAndExpand(t *testing.T) {
	p := And(Regex(`${src}\.bak`), InDir("${dir}"), Not(Equals("${src}")))
	assert.Equal(t, []string{"dir", "src"}, p.Placeholders())

	e := p.Expand(map[string]string{"src": "a.b", "dir": "out"})
	assert.Equal(t, `a\.b\.bak`, e.Operands[0].Pattern)
	assert.Equal(t, "out", e.Operands[1].Root)
	assert.Equal(t, "a.b", e.Operands[2].Operands[0].Value)
	assert.Empty(t, e.Placeholders())

	// The original is untouched.
	assert.Equal(t, `${src}\.bak`, p.Operands[0].Pattern)

	partial := p.Expand(map[string]string{"src": "x"})
	assert.Equal(t, []string{"dir"}, partial.Placeholders())

	assert.Equal(t, "keep $HOME and ${x", ExpandString("keep $HOME and ${x", map[string]string{"HOME": "/root"}, nil))
	assert.Equal(t, []string{"a", "b"}, PlaceholdersIn("${b}/${a}/${b}"))
}

func TestLeaves(t *testing.T) {
	p := Or(And(Regex("a"), NumericRange(0, 1)), Not(Regex("b")))
	assert.Equal(t, []Kind{KindNumericRange, KindRegex}, p.Leaves())
}

func TestSymbolicAgreesWithValidate(t *testing.T) {
	preds := []Predicate{
		Regex(`[a-c]{1,3}`),
		OneOf("ab", "ba", "c"),
		Equals("bb"),
		Contains("ab"),
		LowerCase(),
		And(Regex(`[a-cA-C]{2}`), LowerCase()),
		Or(Equals("a"), Regex(`b+`)),
		Not(Regex(`a*`)),
		Xor(Contains("a"), Contains("b")),
	}
	inputs := []string{"", "a", "b", "c", "ab", "ba", "bb", "aB", "Ab", "abc", "cab", "ccc", "bbbb", "aaaa"}
	for _, p := range preds {
		t.Run(p.String(), func(t *testing.T) {
			tr, err := Symbolic(p, regex.Options{})
			require.NoError(t, err)
			require.True(t, tr.Exact())
			for _, in := range inputs {
				want := Validate(p, in) == nil
				assert.Equal(t, want, symre.Matches(tr.Term, in), "input %q", in)
			}
		})
	}
}

func TestSymbolicFlags(t *testing.T) {
	tr, err := Symbolic(InDir("out"), regex.Options{})
	require.NoError(t, err)
	assert.True(t, tr.Sound)
	assert.False(t, tr.Complete)
	assert.True(t, symre.Matches(tr.Term, "out/file.txt"))
	assert.False(t, symre.Matches(tr.Term, "out/.."))

	tr, err = Symbolic(Not(InDir("out")), regex.Options{})
	require.NoError(t, err)
	assert.False(t, tr.Sound)
	assert.True(t, tr.Complete)

	tr, err = Symbolic(And(Regex(`[0-9]+`), NumericRange(1, 5)), regex.Options{})
	require.NoError(t, err)
	assert.False(t, tr.Sound)
	assert.True(t, tr.Complete)

	tr, err = Symbolic(Or(Regex(`x`), PathExists()), regex.Options{})
	require.NoError(t, err)
	assert.True(t, tr.Sound)
	assert.False(t, tr.Complete)

	tr, err = Symbolic(NumericRange(1, 5), regex.Options{})
	require.NoError(t, err)
	assert.Nil(t, tr.Term)

	_, err = Symbolic(Regex(`(a)\1`), regex.Options{})
	require.ErrorIs(t, err, regex.ErrUnsupportedPattern)
}

// Every value satisfying a predicate must satisfy each of its weakenings.
func TestWeakeningsAreImplied(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abcAB019-_/.")
	randomValue := func() string {
		n := rng.Intn(6)
		rs := make([]rune, n)
		for i := range rs {
			rs[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(rs)
	}

	preds := []Predicate{
		And(Regex(`[a-c]+`), LowerCase(), Contains("a")),
		Equals("ab"),
		NumericRange(0, 9),
		Xor(Contains("a"), Contains("b")),
		Regex(`.*`),
	}
	for _, p := range preds {
		weaker := Weakenings(p)
		require.NotEmpty(t, weaker)
		for i := 0; i < 500; i++ {
			v := randomValue()
			if i%5 == 0 {
				v = strconv.Itoa(rng.Intn(12))
			}
			if Validate(p, v) != nil {
				continue
			}
			for _, w := range weaker {
				assert.NoError(t, Validate(w, v), "%s holds for %q but %s does not", p, v, w)
			}
		}
	}
}

func TestWidenHelpers(t *testing.T) {
	w, err := WidenRange(NumericRange(0, 10), 5)
	require.NoError(t, err)
	assert.Equal(t, NumericRange(-5, 15), w)

	w, err = WidenRange(NumericRange(0, 9223372036854775806), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), w.Max)

	_, err = WidenRange(Regex("a"), 1)
	require.ErrorIs(t, err, ErrInvalidPredicate)

	w, err = WidenOneOf(OneOf("a"), "b")
	require.NoError(t, err)
	assert.NoError(t, Validate(w, "b"))

	or := WidenOr(Or(Equals("a")), Equals("b"))
	assert.Len(t, or.Operands, 2)

	w, err = WeakenAnd(And(Equals("a")), 0)
	require.NoError(t, err)
	assert.Equal(t, KindAny, w.Kind)

	_, err = WeakenAnd(And(Equals("a")), 3)
	require.ErrorIs(t, err, ErrInvalidPredicate)
}
