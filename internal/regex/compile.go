// Package regex compiles regular-expression syntax trees into symbolic terms.
//
// The parser is regexp/syntax; this package only walks its AST. Candidates are
// always matched in full, so anchors are accepted only where they are implied
// anyway: at the leading or trailing edge of the pattern or of one of its
// top-level alternatives. Every other zero-width assertion is rejected rather
// than approximated.
package regex

import (
	"errors"
	"regexp/syntax"
	"strings"
	"unicode"

	"callcheck/internal/symre"
)

const (
	DefaultMaxUnroll   = 256
	DefaultMaxTermSize = 1 << 16
)

// Options bounds the size of compiled terms.
type Options struct {
	// MaxUnroll caps the number of copies a bounded repeat expands to.
	MaxUnroll int
	// MaxTermSize caps the node count of the compiled term.
	MaxTermSize int
}

func (o Options) withDefaults() Options {
	if o.MaxUnroll <= 0 {
		o.MaxUnroll = DefaultMaxUnroll
	}
	if o.MaxTermSize <= 0 {
		o.MaxTermSize = DefaultMaxTermSize
	}
	return o
}

// CompilePattern parses pattern with Perl syntax and compiles it.
func CompilePattern(pattern string, opts Options) (*symre.Term, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, classifyParseError(pattern, err)
	}
	return compile(re, pattern, opts)
}

// Compile turns a parsed regex into a whole-string symbolic term.
func Compile(re *syntax.Regexp, opts Options) (*symre.Term, error) {
	if re == nil {
		return nil, &PatternCompileError{Kind: ErrInvalidPattern, Msg: "nil syntax tree"}
	}
	return compile(re, re.String(), opts)
}

func compile(re *syntax.Regexp, pattern string, opts Options) (*symre.Term, error) {
	c := &compiler{pattern: pattern, opts: opts.withDefaults()}
	return c.top(re)
}

func classifyParseError(pattern string, err error) error {
	var serr *syntax.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case syntax.ErrInvalidPerlOp, syntax.ErrInvalidEscape:
			return unsupportedf(pattern, "%s", serr.Error())
		case syntax.ErrInvalidNamedCapture:
			if strings.HasPrefix(serr.Expr, "(?<=") || strings.HasPrefix(serr.Expr, "(?<!") {
				return unsupportedf(pattern, "lookbehind %s", serr.Expr)
			}
		case syntax.ErrInvalidRepeatSize, syntax.ErrNestingDepth, syntax.ErrLarge:
			return tooLargef(pattern, "%s", serr.Error())
		}
	}
	return &PatternCompileError{Kind: ErrInvalidPattern, Pattern: pattern, Msg: err.Error()}
}

type compiler struct {
	pattern string
	opts    Options
}

// top compiles the whole pattern, whose leading and trailing edges may carry
// anchors.
func (c *compiler) top(re *syntax.Regexp) (*symre.Term, error) {
	return c.edge(re, true, true)
}

// edge compiles re, accepting leading anchors when re starts at the leading
// edge of the pattern and trailing anchors when it ends at the trailing
// edge. Captures and alternatives pass the edges on to their operands; a
// concatenation passes them to the operands that only anchors separate from
// the edge.
func (c *compiler) edge(re *syntax.Regexp, lead, trail bool) (*symre.Term, error) {
	if !lead && !trail {
		return c.term(re)
	}
	re = uncapture(re)
	switch {
	case isAnchor(re.Op):
		if lead && isLeadingAnchor(re.Op) || trail && isTrailingAnchor(re.Op) {
			return symre.Epsilon(), nil
		}
		return nil, unsupportedf(c.pattern, "assertion %s", re)
	case re.Op == syntax.OpAlternate:
		alts := make([]*symre.Term, 0, len(re.Sub))
		for _, sub := range re.Sub {
			t, err := c.edge(sub, lead, trail)
			if err != nil {
				return nil, err
			}
			alts = append(alts, t)
		}
		return c.check(symre.Union(alts...))
	case re.Op != syntax.OpConcat:
		return c.term(re)
	}

	subs := re.Sub
	// first and last bound the operands reachable from each edge.
	first, last := 0, len(subs)-1
	for first < len(subs) && isLeadingAnchor(uncapture(subs[first]).Op) {
		first++
	}
	for last >= 0 && isTrailingAnchor(uncapture(subs[last]).Op) {
		last--
	}
	parts := make([]*symre.Term, 0, len(subs))
	for i, sub := range subs {
		t, err := c.edge(sub, lead && i <= first, trail && i >= last)
		if err != nil {
			return nil, err
		}
		parts = append(parts, t)
	}
	return c.check(symre.Concat(parts...))
}

func uncapture(re *syntax.Regexp) *syntax.Regexp {
	for re.Op == syntax.OpCapture {
		re = re.Sub[0]
	}
	return re
}

func (c *compiler) term(re *syntax.Regexp) (*symre.Term, error) {
	switch re.Op {
	case syntax.OpNoMatch:
		return symre.Empty(), nil
	case syntax.OpEmptyMatch:
		return symre.Epsilon(), nil
	case syntax.OpLiteral:
		parts := make([]*symre.Term, 0, len(re.Rune))
		for _, r := range re.Rune {
			if re.Flags&syntax.FoldCase != 0 {
				parts = append(parts, foldOrbit(r))
			} else {
				parts = append(parts, symre.Char(r))
			}
		}
		return c.check(symre.Concat(parts...))
	case syntax.OpCharClass:
		ranges := make([]*symre.Term, 0, len(re.Rune)/2)
		for i := 0; i+1 < len(re.Rune); i += 2 {
			ranges = append(ranges, symre.Range(re.Rune[i], re.Rune[i+1]))
		}
		return c.check(symre.Union(ranges...))
	case syntax.OpAnyCharNotNL:
		return symre.Union(symre.Range(symre.UniverseMin, '\n'-1), symre.Range('\n'+1, symre.UniverseMax)), nil
	case syntax.OpAnyChar:
		return symre.AnyChar(), nil
	case syntax.OpCapture:
		return c.term(re.Sub[0])
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest:
		sub, err := c.term(re.Sub[0])
		if err != nil {
			return nil, err
		}
		switch re.Op {
		case syntax.OpStar:
			return c.check(symre.Star(sub))
		case syntax.OpPlus:
			return c.check(symre.Plus(sub))
		default:
			return c.check(symre.Opt(sub))
		}
	case syntax.OpRepeat:
		return c.repeat(re)
	case syntax.OpConcat:
		parts := make([]*symre.Term, 0, len(re.Sub))
		for _, sub := range re.Sub {
			t, err := c.term(sub)
			if err != nil {
				return nil, err
			}
			parts = append(parts, t)
		}
		return c.check(symre.Concat(parts...))
	case syntax.OpAlternate:
		alts := make([]*symre.Term, 0, len(re.Sub))
		for _, sub := range re.Sub {
			t, err := c.term(sub)
			if err != nil {
				return nil, err
			}
			alts = append(alts, t)
		}
		return c.check(symre.Union(alts...))
	case syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText:
		return nil, unsupportedf(c.pattern, "anchor %s is not at the edge of the pattern", re)
	case syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return nil, unsupportedf(c.pattern, "word boundary %s", re)
	}
	return nil, unsupportedf(c.pattern, "operator %v", re.Op)
}

// repeat unrolls x{m,n} into m copies followed by n-m nested optional copies.
func (c *compiler) repeat(re *syntax.Regexp) (*symre.Term, error) {
	copies := re.Min
	if re.Max > copies {
		copies = re.Max
	}
	if copies > c.opts.MaxUnroll {
		return nil, tooLargef(c.pattern, "repeat {%d,%d} exceeds unroll limit %d", re.Min, re.Max, c.opts.MaxUnroll)
	}
	sub, err := c.term(re.Sub[0])
	if err != nil {
		return nil, err
	}
	if sub.Size()*(copies+1) > c.opts.MaxTermSize {
		return nil, tooLargef(c.pattern, "repeat expands beyond %d nodes", c.opts.MaxTermSize)
	}

	var tail *symre.Term
	if re.Max == -1 {
		tail = symre.Star(sub)
	} else {
		tail = symre.Epsilon()
		for i := re.Min; i < re.Max; i++ {
			tail = symre.Opt(symre.Concat(sub, tail))
		}
	}
	parts := make([]*symre.Term, 0, re.Min+1)
	for i := 0; i < re.Min; i++ {
		parts = append(parts, sub)
	}
	parts = append(parts, tail)
	return c.check(symre.Concat(parts...))
}

func (c *compiler) check(t *symre.Term) (*symre.Term, error) {
	if t.Size() > c.opts.MaxTermSize {
		return nil, tooLargef(c.pattern, "term has %d nodes, limit %d", t.Size(), c.opts.MaxTermSize)
	}
	return t, nil
}

func foldOrbit(r rune) *symre.Term {
	alts := []*symre.Term{symre.Char(r)}
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		alts = append(alts, symre.Char(f))
	}
	return symre.Union(alts...)
}

func isAnchor(op syntax.Op) bool {
	switch op {
	case syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText,
		syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return true
	}
	return false
}

func isEdgeAnchor(op syntax.Op) bool { return isLeadingAnchor(op) || isTrailingAnchor(op) }

func isLeadingAnchor(op syntax.Op) bool {
	return op == syntax.OpBeginText || op == syntax.OpBeginLine
}

func isTrailingAnchor(op syntax.Op) bool {
	return op == syntax.OpEndText || op == syntax.OpEndLine
}
