// Package effects compares what a program did against what its contract
// requires. Verification is a single pass that reports every mismatch it
// finds.
package effects

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"callcheck/internal/callspec"
	"callcheck/internal/predicate"
	"callcheck/internal/sandbox"
)

// MismatchKind classifies a behavioral failure.
type MismatchKind string

const (
	ExitCodeMismatch   MismatchKind = "exit_code_mismatch"
	OutputMismatch     MismatchKind = "output_mismatch"
	MissingArtifact    MismatchKind = "missing_artifact"
	UnexpectedArtifact MismatchKind = "unexpected_artifact"
	ContentMismatch    MismatchKind = "content_mismatch"
)

// ErrEffectMismatch marks a run whose observed effects differ from its
// contract.
var ErrEffectMismatch = errors.New("effect mismatch")

// Mismatch is one difference between expected and observed behaviour.
type Mismatch struct {
	Kind MismatchKind `json:"kind"`
	// Subject is the stream ("exit", "stdout", "stderr") or the path.
	Subject  string `json:"subject"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (m Mismatch) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", m.Kind, m.Subject)
	if m.Expected != "" || m.Actual != "" {
		fmt.Fprintf(&b, ": expected %s, got %s", m.Expected, m.Actual)
	}
	if m.Detail != "" {
		fmt.Fprintf(&b, " (%s)", m.Detail)
	}
	return b.String()
}

// Outcome is the result of verifying one run.
type Outcome struct {
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

func (o Outcome) Passed() bool { return len(o.Mismatches) == 0 }

// Count returns the number of mismatches of kind.
func (o Outcome) Count(kind MismatchKind) int {
	n := 0
	for _, m := range o.Mismatches {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Err returns nil for a passing outcome and an ErrEffectMismatch error
// otherwise.
func (o Outcome) Err() error {
	if o.Passed() {
		return nil
	}
	parts := make([]string, len(o.Mismatches))
	for i, m := range o.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Errorf("%w: %s", ErrEffectMismatch, strings.Join(parts, "; "))
}

// Verifier checks observed results. The zero value uses the pattern
// normalizer and treats PathExists as false inside output predicates.
type Verifier struct {
	Normalizer Normalizer
}

// Verify checks a run against expected with the default Verifier.
func Verify(expected callspec.Effects, bindings map[string]string, observed *sandbox.Result) Outcome {
	return Verifier{}.Verify(expected, bindings, observed)
}

// Verify compares the exit code, both output streams and the filesystem
// delta. Paths and predicates are expanded with bindings first.
func (v Verifier) Verify(expected callspec.Effects, bindings map[string]string, observed *sandbox.Result) Outcome {
	var out Outcome
	add := func(m Mismatch) { out.Mismatches = append(out.Mismatches, m) }

	accepted := expected.AcceptedExitCodes()
	if !slices.Contains(accepted, observed.ExitCode) {
		add(Mismatch{
			Kind:     ExitCodeMismatch,
			Subject:  "exit",
			Expected: formatCodes(accepted),
			Actual:   fmt.Sprint(observed.ExitCode),
		})
	}

	for _, s := range []struct {
		name string
		exp  *callspec.OutputExpectation
		got  sandbox.Capture
	}{
		{"stdout", expected.Stdout, observed.Stdout},
		{"stderr", expected.Stderr, observed.Stderr},
	} {
		if s.exp == nil {
			continue
		}
		pred := s.exp.Predicate.Expand(bindings)
		if msg, ok := v.check(pred, s.got.Data, s.exp.Normalize); !ok {
			detail := msg
			if s.got.Truncated {
				detail += fmt.Sprintf("; output truncated, %d bytes dropped", s.got.Dropped)
			}
			add(Mismatch{
				Kind:     OutputMismatch,
				Subject:  s.name,
				Expected: pred.String(),
				Actual:   quoteShort(s.got.Data),
				Detail:   detail,
			})
		}
	}

	for _, m := range v.verifyFiles(expected, bindings, observed) {
		add(m)
	}
	return out
}

func (v Verifier) verifyFiles(expected callspec.Effects, bindings map[string]string, observed *sandbox.Result) []Mismatch {
	var out []Mismatch
	delta := make(map[string]sandbox.Change, len(observed.Delta))
	for _, c := range observed.Delta {
		delta[c.Path] = c
	}
	declared := map[string]bool{}
	var present, removed []string

	for _, f := range expected.Files {
		p := path.Clean(predicate.ExpandString(f.Path, bindings, nil))
		declared[p] = true
		want := f.Kind
		if want == "" {
			want = callspec.KindFile
		}
		if f.Change == callspec.Removed {
			removed = append(removed, p)
		} else {
			present = append(present, p)
		}

		c, ok := delta[p]
		switch {
		case !ok:
			out = append(out, Mismatch{Kind: MissingArtifact, Subject: p, Expected: string(f.Change), Actual: "unchanged"})
			continue
		case c.Change != f.Change:
			m := Mismatch{Kind: MissingArtifact, Subject: p, Expected: string(f.Change), Actual: string(c.Change)}
			if f.Change == callspec.Created && c.Change == callspec.Modified {
				m.Detail = "path existed before the run"
			}
			out = append(out, m)
			continue
		case f.Change == callspec.Removed:
			continue
		}

		if c.Kind != want {
			out = append(out, Mismatch{Kind: ContentMismatch, Subject: p, Expected: string(want), Actual: string(c.Kind), Detail: "entry type differs"})
			continue
		}
		if f.Content == nil || c.Kind != callspec.KindFile {
			continue
		}
		pred := f.Content.Expand(bindings)
		if msg, ok := v.check(pred, c.Content, f.Normalize); !ok {
			if c.ContentTruncated {
				msg += "; content read was truncated"
			}
			out = append(out, Mismatch{
				Kind:     ContentMismatch,
				Subject:  p,
				Expected: pred.String(),
				Actual:   quoteShort(c.Content),
				Detail:   msg,
			})
		}
	}

	for _, c := range observed.Delta {
		if declared[c.Path] || isAncestor(c.Path, present) || ignored(c.Path, expected.Ignore) {
			continue
		}
		if c.Change == callspec.Modified && slices.Contains(observed.Mutable, c.Path) {
			continue
		}
		if c.Change == callspec.Removed && isDescendant(c.Path, removed) {
			continue
		}
		out = append(out, Mismatch{Kind: UnexpectedArtifact, Subject: c.Path, Actual: string(c.Change) + " " + string(c.Kind)})
	}
	return out
}

// check validates content against pred. The message describes a failure.
func (v Verifier) check(pred predicate.Predicate, content []byte, normalize bool) (string, bool) {
	if normalize {
		n := v.Normalizer
		if n == nil {
			n = defaultNormalizer
		}
		content = n.Normalize(content)
	}
	val := predicate.Validator{Exists: func(string) bool { return false }}
	err := val.Validate(pred, string(content))
	if err == nil {
		return "", true
	}
	var verr *predicate.ViolationError
	if errors.As(err, &verr) {
		return verr.Msg, false
	}
	return err.Error(), false
}

// isAncestor reports whether p is a directory above one of paths; creating
// a/b/c implicitly creates a and a/b.
func isAncestor(p string, paths []string) bool {
	for _, q := range paths {
		if strings.HasPrefix(q, p+"/") {
			return true
		}
	}
	return false
}

// isDescendant reports whether p lies below one of dirs; removing a
// directory removes everything in it.
func isDescendant(p string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

// ignored reports whether p or one of its parents matches a glob.
func ignored(p string, globs []string) bool {
	for q := p; q != "." && q != "/" && q != ".."; q = path.Dir(q) {
		for _, g := range globs {
			if ok, _ := path.Match(g, q); ok {
				return true
			}
		}
	}
	return false
}

func formatCodes(codes []int) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = fmt.Sprint(c)
	}
	return "one of {" + strings.Join(parts, ", ") + "}"
}

const maxQuoted = 120

func quoteShort(b []byte) string {
	if len(b) <= maxQuoted {
		return fmt.Sprintf("%q", b)
	}
	return fmt.Sprintf("%q...", b[:maxQuoted])
}
