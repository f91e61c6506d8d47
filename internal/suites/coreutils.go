// Package suites holds the built-in call contracts shipped with callcheck.
// The coreutils suite pins down the argument handling and side effects of a
// few POSIX utilities and doubles as an end-to-end check of the verifier.
package suites

import (
	"fmt"

	"callcheck/internal/callspec"
	"callcheck/internal/predicate"
)

var (
	noOutput = &callspec.OutputExpectation{Predicate: predicate.Equals("")}
	word     = predicate.Regex(`[a-z][a-z0-9]{0,7}`)
)

// Coreutils returns the contracts for echo, touch, mkdir, rm, cat, seq and
// false.
func Coreutils() []callspec.CallSpec {
	return []callspec.CallSpec{
		{
			Name:    "echo",
			Program: "echo",
			Slots: []callspec.ArgSlot{
				{Name: "words", Domain: callspec.DomainString, Predicate: word, Variadic: true, Min: 1, Max: 3},
			},
			Effects: callspec.Effects{
				Stdout: &callspec.OutputExpectation{Predicate: predicate.Equals("${words}\n")},
				Stderr: noOutput,
			},
		},
		{
			Name:    "touch",
			Program: "touch",
			Slots: []callspec.ArgSlot{
				{Name: "name", Domain: callspec.DomainPath, Predicate: predicate.Regex(`[a-z]{1,8}\.txt`)},
			},
			Effects: callspec.Effects{
				Stdout: noOutput,
				Stderr: noOutput,
				Files: []callspec.FileEffect{
					{Path: "${name}", Change: callspec.Created, Content: ptr(predicate.Equals(""))},
				},
			},
		},
		{
			Name:    "mkdir",
			Program: "mkdir",
			Slots: []callspec.ArgSlot{
				{Name: "flag", Domain: callspec.DomainEnum, Predicate: predicate.Equals("-p")},
				{Name: "dir", Domain: callspec.DomainPath, Predicate: predicate.Regex(`[a-z]{1,6}(/[a-z]{1,6})?`)},
			},
			Effects: callspec.Effects{
				Stdout: noOutput,
				Files: []callspec.FileEffect{
					{Path: "${dir}", Change: callspec.Created, Kind: callspec.KindDir},
				},
			},
		},
		{
			Name:    "rm",
			Program: "rm",
			Fixtures: []callspec.Fixture{
				{Path: "alpha.txt", Content: "a\n"},
				{Path: "beta.log", Content: "b\n"},
				{Path: "gamma", Content: ""},
			},
			Slots: []callspec.ArgSlot{
				{Name: "target", Domain: callspec.DomainPath, Predicate: predicate.PathExists()},
			},
			Effects: callspec.Effects{
				Stdout: noOutput,
				Files: []callspec.FileEffect{
					{Path: "${target}", Change: callspec.Removed},
				},
			},
		},
		{
			Name:    "cat",
			Program: "cat",
			Fixtures: []callspec.Fixture{
				{Path: "in.txt", Content: "hello\nworld\n"},
			},
			Slots: []callspec.ArgSlot{
				{Name: "file", Domain: callspec.DomainPath, Predicate: predicate.PathExists()},
			},
			Effects: callspec.Effects{
				Stdout: &callspec.OutputExpectation{Predicate: predicate.Equals("hello\nworld\n")},
				Stderr: noOutput,
			},
		},
		{
			Name:    "seq",
			Program: "seq",
			Slots: []callspec.ArgSlot{
				{Name: "n", Domain: callspec.DomainInteger, Predicate: predicate.NumericRange(1, 20)},
			},
			Effects: callspec.Effects{
				Stdout: &callspec.OutputExpectation{Predicate: predicate.Regex(`([0-9]+\n)*${n}\n`)},
			},
		},
		{
			Name:    "false",
			Program: "false",
			Effects: callspec.Effects{
				ExitCodes: []int{1},
				Stdout:    noOutput,
			},
		},
	}
}

// Register adds the coreutils suite to reg.
func Register(reg *callspec.Registry) error {
	if err := reg.RegisterAll(Coreutils()...); err != nil {
		return fmt.Errorf("register coreutils suite: %w", err)
	}
	return nil
}

// Programs lists the executables the suite needs.
func Programs() []string {
	var out []string
	for _, s := range Coreutils() {
		out = append(out, s.Program)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
