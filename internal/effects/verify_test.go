package effects

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcheck/internal/callspec"
	"callcheck/internal/predicate"
	"callcheck/internal/sandbox"
)

func touchEffects() callspec.Effects {
	return callspec.Effects{
		Stdout: &callspec.OutputExpectation{Predicate: predicate.Equals("")},
		Files: []callspec.FileEffect{
			{Path: "${name}", Change: callspec.Created},
		},
	}
}

func created(p string, content string) sandbox.Change {
	return sandbox.Change{Path: p, Change: callspec.Created, Kind: callspec.KindFile, Content: []byte(content)}
}

var bindings = map[string]string{"name": "out.txt"}

func TestMatchingRunPasses(t *testing.T) {
	res := &sandbox.Result{Delta: []sandbox.Change{created("out.txt", "")}}
	out := Verify(touchEffects(), bindings, res)
	assert.True(t, out.Passed(), out.Mismatches)
	assert.NoError(t, out.Err())
}

func TestSingleDiscrepancies(t *testing.T) {
	tests := []struct {
		name     string
		effects  func(*callspec.Effects)
		result   sandbox.Result
		kind     MismatchKind
		subject  string
		contains string
	}{
		{
			name:    "exit code",
			result:  sandbox.Result{ExitCode: 1, Delta: []sandbox.Change{created("out.txt", "")}},
			kind:    ExitCodeMismatch,
			subject: "exit",
		},
		{
			name:     "stdout",
			result:   sandbox.Result{Stdout: sandbox.Capture{Data: []byte("noise")}, Delta: []sandbox.Change{created("out.txt", "")}},
			kind:     OutputMismatch,
			subject:  "stdout",
			contains: `"noise"`,
		},
		{
			name: "stderr",
			effects: func(e *callspec.Effects) {
				e.Stderr = &callspec.OutputExpectation{Predicate: predicate.Contains("warning")}
			},
			result:  sandbox.Result{Delta: []sandbox.Change{created("out.txt", "")}},
			kind:    OutputMismatch,
			subject: "stderr",
		},
		{
			name:    "missing artifact",
			result:  sandbox.Result{},
			kind:    MissingArtifact,
			subject: "out.txt",
		},
		{
			name:    "unexpected artifact",
			result:  sandbox.Result{Delta: []sandbox.Change{created("out.txt", ""), created("stray", "x")}},
			kind:    UnexpectedArtifact,
			subject: "stray",
		},
		{
			name: "content",
			effects: func(e *callspec.Effects) {
				c := predicate.Equals("${name}\n")
				e.Files[0].Content = &c
			},
			result:   sandbox.Result{Delta: []sandbox.Change{created("out.txt", "other\n")}},
			kind:     ContentMismatch,
			subject:  "out.txt",
			contains: `"out.txt\n"`,
		},
		{
			name: "entry type",
			result: sandbox.Result{Delta: []sandbox.Change{
				{Path: "out.txt", Change: callspec.Created, Kind: callspec.KindDir},
			}},
			kind:     ContentMismatch,
			subject:  "out.txt",
			contains: "entry type differs",
		},
		{
			name: "existed before",
			result: sandbox.Result{Delta: []sandbox.Change{
				{Path: "out.txt", Change: callspec.Modified, Kind: callspec.KindFile},
			}},
			kind:     MissingArtifact,
			subject:  "out.txt",
			contains: "existed before",
		},
		{
			name: "not removed",
			effects: func(e *callspec.Effects) {
				e.Files = append(e.Files, callspec.FileEffect{Path: "old", Change: callspec.Removed})
			},
			result:  sandbox.Result{Delta: []sandbox.Change{created("out.txt", "")}},
			kind:    MissingArtifact,
			subject: "old",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			effects := touchEffects()
			if tt.effects != nil {
				tt.effects(&effects)
			}
			res := tt.result
			out := Verify(effects, bindings, &res)
			require.Len(t, out.Mismatches, 1, out.Mismatches)
			m := out.Mismatches[0]
			assert.Equal(t, tt.kind, m.Kind)
			assert.Equal(t, tt.subject, m.Subject)
			assert.Contains(t, m.String(), tt.contains)
			assert.Equal(t, 1, out.Count(tt.kind))
			assert.ErrorIs(t, out.Err(), ErrEffectMismatch)
		})
	}
}

func TestAllMismatchesAreCollected(t *testing.T) {
	effects := touchEffects()
	effects.ExitCodes = []int{0, 2}
	res := &sandbox.Result{
		ExitCode: 1,
		Stdout:   sandbox.Capture{Data: []byte("x")},
		Delta:    []sandbox.Change{created("a", ""), created("b", "")},
	}
	out := Verify(effects, bindings, res)

	var kinds []MismatchKind
	for _, m := range out.Mismatches {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []MismatchKind{
		ExitCodeMismatch, OutputMismatch, MissingArtifact, UnexpectedArtifact, UnexpectedArtifact,
	}, kinds)
	assert.Equal(t, "one of {0, 2}", out.Mismatches[0].Expected)
	assert.Equal(t, 2, out.Count(UnexpectedArtifact))
}

func TestUndeclaredChangesThatAreAllowed(t *testing.T) {
	effects := callspec.Effects{
		Files:  []callspec.FileEffect{{Path: "a/b/c.txt", Change: callspec.Created}},
		Ignore: []string{"cache", "*.log"},
	}
	res := &sandbox.Result{
		Delta: []sandbox.Change{
			{Path: "a", Change: callspec.Created, Kind: callspec.KindDir},
			{Path: "a/b", Change: callspec.Created, Kind: callspec.KindDir},
			created("a/b/c.txt", ""),
			{Path: "cache", Change: callspec.Created, Kind: callspec.KindDir},
			created("cache/entry", "x"),
			created("run.log", "x"),
			{Path: "data.db", Change: callspec.Modified, Kind: callspec.KindFile},
			{Path: "../shared", Change: callspec.Modified, Kind: callspec.KindFile},
		},
		Mutable: []string{"../shared"},
	}
	out := Verify(effects, nil, res)
	require.Len(t, out.Mismatches, 1)
	assert.Equal(t, UnexpectedArtifact, out.Mismatches[0].Kind)
	assert.Equal(t, "data.db", out.Mismatches[0].Subject)
	assert.Equal(t, "modified file", out.Mismatches[0].Actual)
}

func TestMutableFixtureRemovalIsStillReported(t *testing.T) {
	res := &sandbox.Result{
		Delta:   []sandbox.Change{{Path: "f", Change: callspec.Removed, Kind: callspec.KindFile}},
		Mutable: []string{"f"},
	}
	out := Verify(callspec.Effects{}, nil, res)
	require.Len(t, out.Mismatches, 1)
	assert.Equal(t, UnexpectedArtifact, out.Mismatches[0].Kind)
}

func TestNormalizedOutput(t *testing.T) {
	effects := callspec.Effects{
		Stdout: &callspec.OutputExpectation{
			Predicate: predicate.Equals("started <TIMESTAMP> pid <PID> in <DURATION>\n"),
			Normalize: true,
		},
	}
	res := &sandbox.Result{Stdout: sandbox.Capture{Data: []byte("started 2024-12-13T10:30:45Z pid 4242 in 1.5s\r\n")}}
	assert.True(t, Verify(effects, nil, res).Passed())

	effects.Stdout.Normalize = false
	assert.False(t, Verify(effects, nil, res).Passed())
}

func TestTruncatedOutputIsNoted(t *testing.T) {
	effects := callspec.Effects{Stdout: &callspec.OutputExpectation{Predicate: predicate.Equals("short")}}
	res := &sandbox.Result{Stdout: sandbox.Capture{Data: []byte(strings.Repeat("x", 200)), Truncated: true, Dropped: 50}}
	out := Verify(effects, nil, res)
	require.Len(t, out.Mismatches, 1)
	assert.Contains(t, out.Mismatches[0].Detail, "50 bytes dropped")
	assert.True(t, strings.HasSuffix(out.Mismatches[0].Actual, "..."))
}

func TestPatternNormalizer(t *testing.T) {
	n := NewPatternNormalizer()
	tests := []struct{ in, want string }{
		{"at 2024-12-13T10:30:45.123Z", "at <TIMESTAMP>"},
		{"2024/12/13 10:30:45 [INFO] up", "<TIMESTAMP> [INFO] up"},
		{"epoch 1702469445", "epoch <UNIX_TS>"},
		{"took 123ms", "took <DURATION>"},
		{"PID: 991 exited", "pid <PID> exited"},
		{"ptr 0x7fff5fbff8c0", "ptr <ADDR>"},
		{"a\r\nb\r\n", "a\nb\n"},
		{"plain text 42", "plain text 42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(n.Normalize([]byte(tt.in))), tt.in)
	}
}

func TestRemovedDirectoryCoversItsContents(t *testing.T) {
	effects := callspec.Effects{
		Files: []callspec.FileEffect{{Path: "${dir}", Change: callspec.Removed, Kind: callspec.KindDir}},
	}
	res := &sandbox.Result{Delta: []sandbox.Change{
		{Path: "d", Change: callspec.Removed, Kind: callspec.KindDir},
		{Path: "d/f", Change: callspec.Removed, Kind: callspec.KindFile},
		{Path: "d/sub", Change: callspec.Removed, Kind: callspec.KindDir},
		{Path: "d/sub/g", Change: callspec.Removed, Kind: callspec.KindFile},
	}}
	out := Verify(effects, map[string]string{"dir": "d"}, res)
	assert.True(t, out.Passed(), out.Mismatches)

	res.Delta = append(res.Delta,
		sandbox.Change{Path: "d/new", Change: callspec.Created, Kind: callspec.KindFile},
		sandbox.Change{Path: "dd", Change: callspec.Removed, Kind: callspec.KindFile},
	)
	out = Verify(effects, map[string]string{"dir": "d"}, res)
	require.Len(t, out.Mismatches, 2)
	assert.Equal(t, "d/new", out.Mismatches[0].Subject)
	assert.Equal(t, "dd", out.Mismatches[1].Subject)
}
