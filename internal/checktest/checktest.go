// Package checktest runs call contracts from Go tests: every failing
// subcase becomes a test error carrying its argv, mismatches and seed.
package checktest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"callcheck/internal/callspec"
	"callcheck/internal/generate"
	"callcheck/internal/orchestrator"
	"callcheck/internal/report"
	"callcheck/internal/sandbox"
	"callcheck/internal/solver"
)

// Options tunes a test run. Zero values take the orchestrator defaults.
type Options struct {
	Trials      int
	Seed        int64
	Concurrency int
	FailFast    bool
	Shrink      bool
	// Timeout is the subprocess timeout for specs that set none.
	Timeout time.Duration
	// PassEnv defaults to PATH.
	PassEnv []string
	Sampler solver.Sampler
}

// Run verifies specs and reports each failure through t. Invalid specs fail
// the test immediately. The suite is returned for further assertions.
func Run(t testing.TB, opts Options, specs ...callspec.CallSpec) *report.Suite {
	t.Helper()
	reg := callspec.NewRegistry()
	if err := reg.RegisterAll(specs...); err != nil {
		t.Fatalf("callcheck: %v", err)
		return nil
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))
	sampler := opts.Sampler
	if sampler == nil {
		sampler = solver.NewAutomaton(logger)
	}
	passEnv := opts.PassEnv
	if passEnv == nil {
		passEnv = []string{"PATH"}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}

	gen := generate.New(sampler, generate.Config{Seed: seed}, logger)
	ex := sandbox.NewExecutor(sandbox.Config{Root: t.TempDir(), Timeout: opts.Timeout, PassEnv: passEnv}, logger)
	o := orchestrator.New(orchestrator.Deps{
		Registry:  reg,
		Generator: gen,
		Executor:  ex,
		Logger:    logger,
		Seed:      seed,
	}, orchestrator.Options{
		Trials:      opts.Trials,
		Concurrency: opts.Concurrency,
		FailFast:    opts.FailFast,
		Shrink:      opts.Shrink,
	})

	suite, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("callcheck: %v", err)
		return nil
	}
	for _, f := range suite.Failures() {
		t.Errorf("%s", describe(f, seed))
	}
	return suite
}

func describe(f report.Failure, seed int64) string {
	var b strings.Builder
	if f.Subcase < 0 {
		fmt.Fprintf(&b, "callcheck %s: %s", f.Spec, f.Error)
		return b.String()
	}
	fmt.Fprintf(&b, "callcheck %s #%d (%s, seed %d): %s", f.Spec, f.Subcase, f.Status, seed, report.QuoteArgv(f.Argv))
	if f.Error != "" {
		fmt.Fprintf(&b, "\n    %s", f.Error)
	}
	for _, m := range f.Mismatches {
		fmt.Fprintf(&b, "\n    %s", m.String())
	}
	return b.String()
}
