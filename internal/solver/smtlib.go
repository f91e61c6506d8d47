package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"callcheck/internal/symre"
)

const DefaultSMTTimeout = 10 * time.Second

// SMTLib is a Sampler backed by an external SMT solver speaking SMT-LIB 2
// with the strings theory on stdin, z3 by default. Each query runs one
// solver process.
type SMTLib struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	Logger  *zap.Logger
}

var _ Sampler = (*SMTLib)(nil)

func NewSMTLib(binary string, args []string, logger *zap.Logger) *SMTLib {
	if binary == "" {
		binary = "z3"
	}
	if args == nil {
		args = []string{"-in"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTLib{Binary: binary, Args: args, Timeout: DefaultSMTTimeout, Logger: logger}
}

// Sample implements Sampler. The script first checks the bare constraint, so
// an unsat answer there is a proof of emptiness, and then checks it again
// with every exclusion asserted away.
func (s *SMTLib) Sample(ctx context.Context, q Query) (string, error) {
	if err := q.Constraint.validate(); err != nil {
		return "", err
	}
	script := BuildScript(q)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSMTTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(qctx, s.Binary, s.Args...)
	cmd.Stdin = strings.NewReader(script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	s.logger().Debug("smt query",
		zap.String("binary", s.Binary),
		zap.Int("exclusions", len(q.Exclusions)),
		zap.Duration("duration", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if qctx.Err() != nil {
		return "", fmt.Errorf("%w: solver timed out after %s", ErrExhausted, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		// z3 exits non-zero when get-value follows an unsat answer; the
		// transcript is still authoritative.
		if !errors.As(err, &exitErr) || stdout.Len() == 0 {
			return "", fmt.Errorf("solver: run %s: %w: %s", s.Binary, err, strings.TrimSpace(stderr.String()))
		}
	}
	return ParseResponse(stdout.String(), q.Constraint)
}

func (s *SMTLib) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// BuildScript renders q as an SMT-LIB 2 script.
func BuildScript(q Query) string {
	var b strings.Builder
	b.WriteString("(set-option :produce-models true)\n")
	fmt.Fprintf(&b, "(set-option :smt.random_seed %d)\n", uint32(q.Seed))
	if q.Constraint.Int != nil {
		b.WriteString("(declare-const x Int)\n")
		fmt.Fprintf(&b, "(assert %s)\n", smtIntSet(*q.Constraint.Int))
	} else {
		b.WriteString("(declare-const x String)\n")
		fmt.Fprintf(&b, "(assert (str.in_re x %s))\n", RenderRegex(q.Constraint.Regex))
		b.WriteString("(assert (not (str.contains x \"\\u{0}\")))\n")
	}
	b.WriteString("(check-sat)\n")
	for _, w := range q.Exclusions {
		if q.Constraint.Int != nil {
			n, err := strconv.ParseInt(w, 10, 64)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "(assert (not (= x %s)))\n", smtInt(n))
		} else {
			fmt.Fprintf(&b, "(assert (not (= x %s)))\n", smtString(w))
		}
	}
	b.WriteString("(check-sat)\n(get-value (x))\n")
	return b.String()
}

// smtIntSet renders membership of x in s.
func smtIntSet(s IntSet) string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = fmt.Sprintf("(and (>= x %s) (<= x %s))", smtInt(r.Min), smtInt(r.Max))
	}
	switch len(parts) {
	case 0:
		return "false"
	case 1:
		return parts[0]
	}
	return "(or " + strings.Join(parts, " ") + ")"
}

// ParseResponse interprets the solver transcript produced for BuildScript.
func ParseResponse(out string, c Constraint) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var answers []string
	var model strings.Builder
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "sat" || line == "unsat" || line == "unknown":
			answers = append(answers, line)
		case strings.HasPrefix(line, "(error"):
			continue
		case len(answers) == 2:
			model.WriteString(line)
			model.WriteByte(' ')
		}
	}
	if len(answers) == 0 {
		return "", fmt.Errorf("solver: unexpected output %q", truncateKey(out))
	}
	switch answers[0] {
	case "unsat":
		return "", fmt.Errorf("%w: solver proved the constraint empty", ErrUnsatisfiable)
	case "unknown":
		return "", fmt.Errorf("%w: solver returned unknown", ErrExhausted)
	}
	if len(answers) < 2 || answers[1] != "sat" {
		return "", fmt.Errorf("%w: no model outside the exclusions", ErrExhausted)
	}
	return parseModel(model.String(), c)
}

// parseModel reads ((x VALUE)).
func parseModel(m string, c Constraint) (string, error) {
	m = strings.TrimSpace(m)
	i := strings.Index(m, "(x ")
	if i < 0 {
		return "", fmt.Errorf("solver: no value for x in %q", m)
	}
	body := strings.TrimSpace(m[i+3:])
	if c.Int != nil {
		body = strings.TrimRight(body, ") ")
		neg := false
		if strings.HasPrefix(body, "(-") {
			neg = true
			body = strings.TrimSpace(strings.TrimPrefix(body, "(-"))
		}
		n, err := strconv.ParseInt(strings.TrimSpace(body), 10, 64)
		if err != nil {
			return "", fmt.Errorf("solver: bad integer model %q: %w", m, err)
		}
		if neg {
			n = -n
		}
		return formatInt(n), nil
	}
	v, _, err := readStringLiteral(body)
	if err != nil {
		return "", fmt.Errorf("solver: bad string model %q: %w", m, err)
	}
	return v, nil
}

// readStringLiteral decodes an SMT-LIB 2.6 string literal at the start of s:
// "" escapes a quote and \u{h..} escapes a code point.
func readStringLiteral(s string) (string, int, error) {
	if !strings.HasPrefix(s, `"`) {
		return "", 0, errors.New("missing opening quote")
	}
	var b strings.Builder
	for i := 1; i < len(s); {
		switch {
		case s[i] == '"':
			if i+1 < len(s) && s[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		case strings.HasPrefix(s[i:], `\u{`):
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return "", 0, errors.New("unterminated escape")
			}
			cp, err := strconv.ParseUint(s[i+3:i+end], 16, 32)
			if err != nil {
				return "", 0, fmt.Errorf("bad escape: %w", err)
			}
			b.WriteRune(rune(cp))
			i += end + 1
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			b.WriteRune(r)
			i += size
		}
	}
	return "", 0, errors.New("missing closing quote")
}

// RenderRegex writes t in SMT-LIB regex syntax.
func RenderRegex(t *symre.Term) string {
	var b strings.Builder
	renderRegex(&b, t)
	return b.String()
}

func renderRegex(b *strings.Builder, t *symre.Term) {
	nary := func(op string) {
		b.WriteString("(" + op)
		for _, s := range t.Subs() {
			b.WriteByte(' ')
			renderRegex(b, s)
		}
		b.WriteByte(')')
	}
	switch t.Kind() {
	case symre.KindEmpty:
		b.WriteString("re.none")
	case symre.KindEpsilon:
		b.WriteString(`(str.to_re "")`)
	case symre.KindRange:
		lo, hi := t.Range()
		if lo == hi {
			fmt.Fprintf(b, "(str.to_re %s)", smtString(string(lo)))
		} else {
			fmt.Fprintf(b, "(re.range %s %s)", smtString(string(lo)), smtString(string(hi)))
		}
	case symre.KindConcat:
		nary("re.++")
	case symre.KindUnion:
		nary("re.union")
	case symre.KindInter:
		nary("re.inter")
	case symre.KindStar:
		nary("re.*")
	case symre.KindPlus:
		nary("re.+")
	case symre.KindOpt:
		nary("re.opt")
	case symre.KindComplement:
		nary("re.comp")
	}
}

func smtString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`""`)
		case r == '\\' || r < 0x20 || r > 0x7e:
			fmt.Fprintf(&b, `\u{%x}`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func smtInt(n int64) string {
	if n < 0 {
		return fmt.Sprintf("(- %s)", strconv.FormatUint(uint64(-(n+1))+1, 10))
	}
	return strconv.FormatInt(n, 10)
}
