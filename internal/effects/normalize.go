package effects

import (
	"bytes"
	"regexp"
)

// Normalizer rewrites volatile text to stable placeholders before output or
// file content is checked.
type Normalizer interface {
	Normalize(content []byte) []byte
}

type replacement struct {
	re   *regexp.Regexp
	with []byte
}

// PatternNormalizer applies a fixed list of regexp replacements in order,
// after converting CRLF line endings to LF.
type PatternNormalizer struct {
	patterns []replacement
}

// NewPatternNormalizer recognizes:
//   - ISO 8601 and common log timestamps
//   - Unix timestamps
//   - durations such as 1.234s or 15ms
//   - process IDs
//   - memory addresses
func NewPatternNormalizer() *PatternNormalizer {
	return &PatternNormalizer{patterns: []replacement{
		{
			re:   regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
			with: []byte("<TIMESTAMP>"),
		},
		{
			re:   regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?`),
			with: []byte("<TIMESTAMP>"),
		},
		{
			re:   regexp.MustCompile(`\b1[0-9]{9,12}\b`),
			with: []byte("<UNIX_TS>"),
		},
		{
			re:   regexp.MustCompile(`\b\d+(\.\d+)?\s*(ns|µs|us|ms|s|seconds?|minutes?|hours?)\b`),
			with: []byte("<DURATION>"),
		},
		{
			re:   regexp.MustCompile(`\b[Pp][Ii][Dd][:=\s]*\d+\b`),
			with: []byte("pid <PID>"),
		},
		{
			re:   regexp.MustCompile(`0x[0-9a-fA-F]{8,16}`),
			with: []byte("<ADDR>"),
		},
	}}
}

func (n *PatternNormalizer) Normalize(content []byte) []byte {
	out := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	for _, p := range n.patterns {
		out = p.re.ReplaceAll(out, p.with)
	}
	return out
}

var defaultNormalizer Normalizer = NewPatternNormalizer()
