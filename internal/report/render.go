package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"callcheck/internal/sandbox"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	skipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	nameStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// RenderOptions tunes the human-readable report.
type RenderOptions struct {
	// Verbose lists passing subcases too.
	Verbose bool
	// MaxOutput bounds the captured output shown per stream.
	MaxOutput int
}

const defaultMaxOutput = 2048

// Render writes a human-readable report of s to w.
func Render(w io.Writer, s *Suite, opts RenderOptions) error {
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	var b strings.Builder
	for _, sp := range s.Specs {
		renderSpec(&b, sp, opts)
	}
	b.WriteString(summary(s))
	_, err := io.WriteString(w, b.String())
	return err
}

func badge(st Status) string {
	switch st {
	case StatusPassed:
		return passStyle.Render("PASS")
	case StatusFailed:
		return failStyle.Render("FAIL")
	case StatusTimedOut:
		return failStyle.Render("TIMEOUT")
	case StatusErrored:
		return errorStyle.Render("ERROR")
	default:
		return skipStyle.Render("SKIP")
	}
}

func renderSpec(b *strings.Builder, sp Spec, opts RenderOptions) {
	passed := 0
	for _, sc := range sp.Subcases {
		if sc.Status == StatusPassed {
			passed++
		}
	}
	fmt.Fprintf(b, "%s %s %s\n", badge(sp.Status), nameStyle.Render(sp.Name),
		dimStyle.Render(fmt.Sprintf("(%d/%d subcases passed, %s)", passed, len(sp.Subcases), roundDuration(sp.Duration))))
	if sp.Error != "" {
		fmt.Fprintf(b, "    %s\n", sp.Error)
	}

	for _, sc := range sp.Subcases {
		if sc.Status == StatusPassed && !opts.Verbose {
			continue
		}
		if sc.Status == StatusSkipped {
			continue
		}
		fmt.Fprintf(b, "  %s #%d %s  %s\n", badge(sc.Status), sc.Index, dimStyle.Render(sc.ID), QuoteArgv(sc.Argv))
		if sc.Error != "" {
			fmt.Fprintf(b, "      error: %s\n", sc.Error)
		}
		for _, m := range sc.Mismatches {
			fmt.Fprintf(b, "      %s\n", m.String())
		}
		if sc.Status == StatusPassed {
			continue
		}
		if sc.Status != StatusErrored {
			fmt.Fprintf(b, "      exit %d after %s\n", sc.ExitCode, roundDuration(sc.Duration))
		}
		writeCapture(b, "stdout", sc.Stdout, opts.MaxOutput)
		writeCapture(b, "stderr", sc.Stderr, opts.MaxOutput)
		if len(sc.Shrunk) > 0 {
			fmt.Fprintf(b, "      shrunk to: %s\n", QuoteArgv(sc.Shrunk))
		}
		if sc.Dir != "" {
			fmt.Fprintf(b, "      sandbox retained at %s\n", sc.Dir)
		}
	}
}

// writeCapture prints a stream, cut at limit bytes, with a marker for
// everything not shown.
func writeCapture(b *strings.Builder, name string, c sandbox.Capture, limit int) {
	if len(c.Data) == 0 && !c.Truncated {
		return
	}
	data := c.Data
	hidden := c.Dropped
	if len(data) > limit {
		hidden += int64(len(data) - limit)
		data = data[:limit]
	}
	text := strings.TrimRight(string(data), "\n")
	text = strings.ReplaceAll(text, "\n", "\n        ")
	fmt.Fprintf(b, "      %s: %s", name, text)
	if hidden > 0 {
		fmt.Fprintf(b, "[... %s bytes truncated]", humanize.Comma(hidden))
	}
	b.WriteByte('\n')
}

func summary(s *Suite) string {
	c := s.Counts()
	var b strings.Builder
	verdict := passStyle.Render("PASSED")
	if !s.Passed() {
		verdict = failStyle.Render("FAILED")
	}
	fmt.Fprintf(&b, "\n%s %s; %s", verdict, tally("spec", len(s.Specs), c.Specs), tally("subcase", total(c.Subcases), c.Subcases))
	if s.Duration > 0 {
		fmt.Fprintf(&b, " in %s", roundDuration(s.Duration))
	}
	b.WriteByte('\n')
	if s.BudgetExceeded {
		b.WriteString("suite time budget exceeded; remaining work was cancelled\n")
	}
	if s.FirstFailure != nil {
		fmt.Fprintf(&b, "stopped at first failure: %s #%d\n", s.FirstFailure.Spec, s.FirstFailure.Subcase)
	}
	if s.RunID != "" {
		fmt.Fprintf(&b, "%s\n", dimStyle.Render("run "+s.RunID+" seed "+strconv.FormatInt(s.Seed, 10)))
	}
	return b.String()
}

func tally(noun string, n int, by map[Status]int) string {
	var parts []string
	for _, st := range []Status{StatusPassed, StatusFailed, StatusTimedOut, StatusErrored, StatusSkipped} {
		if by[st] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", by[st], strings.ReplaceAll(string(st), "_", " ")))
		}
	}
	label := humanize.Comma(int64(n)) + " " + noun
	if n != 1 {
		label += "s"
	}
	if len(parts) == 0 {
		return label
	}
	return label + " (" + strings.Join(parts, ", ") + ")"
}

func total(by map[Status]int) int {
	n := 0
	for _, v := range by {
		n += v
	}
	return n
}

// QuoteArgv renders argv for a shell reader, quoting arguments that need it.
func QuoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
			parts[i] = strconv.Quote(a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(time.Millisecond)
	}
	return d.Round(time.Microsecond)
}
