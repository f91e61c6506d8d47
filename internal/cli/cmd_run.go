package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"callcheck/internal/callspec"
	"callcheck/internal/effects"
	"callcheck/internal/generate"
	"callcheck/internal/metrics"
	"callcheck/internal/orchestrator"
	"callcheck/internal/report"
	"callcheck/internal/sandbox"
	"callcheck/internal/store"
	"callcheck/internal/suites"
)

type runFlags struct {
	trials      int
	seed        int64
	concurrency int
	failFast    bool
	shrink      bool
	retain      bool
	timeout     time.Duration
	budget      time.Duration
	backend     string
	sandboxRoot string
	historyDB   string
	metricsFile string
	jsonOut     bool
	verbose     bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [spec...]",
		Short: "Verify the built-in contracts, or the named ones",
		Long: `Run generates subcases for each selected contract, executes them in
sandboxes and prints the report. The exit code is 0 when every contract
passed and 1 when any failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a); err != nil {
				return err
			}
			return runSuite(cmd.Context(), a, f, args, cmd.OutOrStdout())
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&f.trials, "trials", "k", 0, "subcases per contract")
	fl.Int64Var(&f.seed, "seed", 0, "generation seed")
	fl.IntVarP(&f.concurrency, "concurrency", "j", 0, "concurrently running programs")
	fl.BoolVar(&f.failFast, "fail-fast", false, "stop at the first failing contract")
	fl.BoolVar(&f.shrink, "shrink", false, "look for smaller failing invocations")
	fl.BoolVar(&f.retain, "retain", false, "keep the sandboxes of failing subcases")
	fl.DurationVar(&f.timeout, "timeout", 0, "subprocess timeout")
	fl.DurationVar(&f.budget, "budget", 0, "time budget for the whole suite")
	fl.StringVar(&f.backend, "solver", "", "solver backend: native or smtlib")
	fl.StringVar(&f.sandboxRoot, "sandbox-root", "", "directory sandboxes are created in")
	fl.StringVar(&f.historyDB, "history", "", "record the run in this SQLite database")
	fl.StringVar(&f.metricsFile, "metrics", "", "write metrics to this textfile")
	fl.BoolVar(&f.jsonOut, "json", false, "print the report as JSON")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "list passing subcases too")
	return cmd
}

// apply copies explicitly set flags over the loaded configuration.
func (f runFlags) apply(cmd *cobra.Command, a *app) error {
	fl := cmd.Flags()
	c := a.cfg
	if fl.Changed("trials") {
		c.Run.Trials = f.trials
	}
	if fl.Changed("seed") {
		c.Run.Seed = f.seed
	}
	if fl.Changed("concurrency") {
		c.Run.Concurrency = f.concurrency
	}
	if fl.Changed("fail-fast") {
		c.Run.FailFast = f.failFast
	}
	if fl.Changed("shrink") {
		c.Run.Shrink = f.shrink
	}
	if fl.Changed("retain") {
		c.Sandbox.RetainOnFailure = f.retain
	}
	if fl.Changed("timeout") {
		c.Sandbox.Timeout = f.timeout
	}
	if fl.Changed("budget") {
		c.Run.SuiteBudget = f.budget
	}
	if fl.Changed("solver") {
		c.Solver.Backend = f.backend
	}
	if fl.Changed("sandbox-root") {
		c.Sandbox.Root = f.sandboxRoot
	}
	if fl.Changed("history") {
		c.Output.HistoryDB = f.historyDB
	}
	if fl.Changed("metrics") {
		c.Output.MetricsFile = f.metricsFile
	}
	if err := c.Validate(); err != nil {
		return invalidInvocationf("%v", err)
	}
	return nil
}

func builtinRegistry() (*callspec.Registry, error) {
	reg := callspec.NewRegistry()
	if err := suites.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func runSuite(ctx context.Context, a *app, f runFlags, names []string, out io.Writer) error {
	cfg := a.cfg
	log := a.logger

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	m := metrics.New()
	sampler := m.InstrumentSampler(cfg.Sampler(log))
	o := orchestrator.New(orchestrator.Deps{
		Registry:  reg,
		Generator: generate.New(sampler, cfg.Generator(), log),
		Executor:  sandbox.NewExecutor(cfg.SandboxExecutor(), log),
		Verifier:  effects.Verifier{},
		Metrics:   m,
		Logger:    log,
		Seed:      cfg.Run.Seed,
	}, orchestrator.Options{
		Trials:      cfg.Run.Trials,
		Concurrency: cfg.Run.Concurrency,
		FailFast:    cfg.Run.FailFast,
		SuiteBudget: cfg.Run.SuiteBudget,
		Shrink:      cfg.Run.Shrink,
	})

	suite, runErr := o.Run(ctx, names...)
	if errors.Is(runErr, orchestrator.ErrUnknownSpec) {
		return invalidInvocationf("%v", runErr)
	}
	if suite == nil {
		return runErr
	}

	if f.jsonOut {
		err = report.WriteJSON(out, suite)
	} else {
		err = report.Render(out, suite, report.RenderOptions{Verbose: f.verbose})
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if path := cfg.Output.HistoryDB; path != "" {
		if err := recordHistory(ctx, path, suite); err != nil {
			log.Warn("run not recorded", zap.String("db", path), zap.Error(err))
		}
	}
	if path := cfg.Output.MetricsFile; path != "" {
		if err := m.WriteTextfile(path); err != nil {
			log.Warn("metrics not written", zap.String("path", path), zap.Error(err))
		}
	}

	if runErr != nil {
		return runErr
	}
	if !suite.Passed() {
		return errSuiteFailed
	}
	return nil
}

func recordHistory(ctx context.Context, path string, suite *report.Suite) error {
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.RecordSuite(context.WithoutCancel(ctx), suite)
}
