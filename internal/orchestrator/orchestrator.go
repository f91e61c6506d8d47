// Package orchestrator drives a verification run: for every registered
// contract it generates subcases, runs each in its own sandbox, verifies the
// observed effects and assembles the report tree.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"callcheck/internal/callspec"
	"callcheck/internal/effects"
	"callcheck/internal/generate"
	"callcheck/internal/metrics"
	"callcheck/internal/report"
	"callcheck/internal/sandbox"
)

var (
	ErrUnknownSpec = errors.New("unknown spec")
	// ErrSuiteBudget is the cancellation cause once the suite time budget
	// runs out.
	ErrSuiteBudget = errors.New("suite time budget exceeded")

	errFailFast    = errors.New("stopped after first failure")
	errSpecAborted = errors.New("spec aborted")
)

const DefaultMaxShrinkRuns = 32

// Options tunes a run.
type Options struct {
	// Trials is the number of subcases per spec.
	Trials int
	// Concurrency bounds concurrently running specs and concurrently running
	// programs. Zero means GOMAXPROCS.
	Concurrency int
	// FailFast stops the run at the first failing spec; specs that did not
	// start are reported skipped.
	FailFast bool
	// SuiteBudget cancels all remaining work once exceeded. Zero means none.
	SuiteBudget time.Duration
	// Shrink re-runs failing subcases with smaller arguments.
	Shrink        bool
	MaxShrinkRuns int
}

func (o Options) withDefaults() Options {
	if o.Trials <= 0 {
		o.Trials = generate.DefaultTrials
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	if o.MaxShrinkRuns <= 0 {
		o.MaxShrinkRuns = DefaultMaxShrinkRuns
	}
	return o
}

// Orchestrator runs the specs of a registry.
type Orchestrator struct {
	registry  *callspec.Registry
	generator *generate.Generator
	executor  *sandbox.Executor
	verifier  effects.Verifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
	seed      int64
}

// Deps are the components a run is assembled from. Metrics and Logger may be
// nil.
type Deps struct {
	Registry  *callspec.Registry
	Generator *generate.Generator
	Executor  *sandbox.Executor
	Verifier  effects.Verifier
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Seed is recorded in the report; the generator owns the actual seed.
	Seed int64
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:  deps.Registry,
		generator: deps.Generator,
		executor:  deps.Executor,
		verifier:  deps.Verifier,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts.withDefaults(),
		seed:      deps.Seed,
	}
}

// run is the state of one Run call.
type run struct {
	o        *Orchestrator
	recorder *report.Recorder
	state    *runState
	locks    *resourceLocks
	procs    *semaphore.Weighted
	stop     context.CancelCauseFunc
}

// Run verifies the named specs, or every registered spec when names is
// empty. The returned suite is complete even when the run was interrupted;
// the error is non-nil only for an unknown spec name or when ctx itself was
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, names ...string) (*report.Suite, error) {
	specs, err := o.selectSpecs(names)
	if err != nil {
		return nil, err
	}
	specNames := make([]string, len(specs))
	for i, s := range specs {
		specNames[i] = s.Name
	}

	runID := uuid.NewString()
	started := time.Now()
	log := o.logger.With(zap.String("run", runID))
	log.Info("run started",
		zap.Int("specs", len(specs)),
		zap.Int("trials", o.opts.Trials),
		zap.Int64("seed", o.seed),
		zap.Bool("fail_fast", o.opts.FailFast),
	)

	budgetCtx := ctx
	if o.opts.SuiteBudget > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeoutCause(ctx, o.opts.SuiteBudget, ErrSuiteBudget)
		defer cancel()
	}
	runCtx, stop := context.WithCancelCause(budgetCtx)
	defer stop(nil)

	r := o.newRun(specNames, stop)

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)
	for _, spec := range specs {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.runSpec(runCtx, spec)
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range r.state.skipPending() {
		spec, _ := o.registry.Lookup(name)
		r.record(report.Spec{Name: name, Program: spec.Program, Status: report.StatusSkipped})
	}

	suite := r.recorder.Suite(report.Suite{
		RunID:          runID,
		Seed:           o.seed,
		Trials:         o.opts.Trials,
		FailFast:       o.opts.FailFast,
		Started:        started,
		Duration:       time.Since(started),
		BudgetExceeded: errors.Is(context.Cause(runCtx), ErrSuiteBudget),
	})
	o.metrics.ObserveSuite(suite)
	log.Info("run finished",
		zap.Bool("passed", suite.Passed()),
		zap.Duration("duration", suite.Duration),
		zap.Bool("budget_exceeded", suite.BudgetExceeded),
	)
	if err := ctx.Err(); err != nil {
		return suite, fmt.Errorf("run interrupted: %w", err)
	}
	return suite, nil
}

func (o *Orchestrator) newRun(names []string, stop context.CancelCauseFunc) *run {
	return &run{
		o:        o,
		recorder: report.NewRecorder(),
		state:    newRunState(names),
		locks:    newResourceLocks(),
		procs:    semaphore.NewWeighted(int64(o.opts.Concurrency)),
		stop:     stop,
	}
}

func (o *Orchestrator) selectSpecs(names []string) ([]callspec.CallSpec, error) {
	if len(names) == 0 {
		return o.registry.Specs(), nil
	}
	seen := map[string]bool{}
	var out []callspec.CallSpec
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		spec, ok := o.registry.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSpec, n)
		}
		out = append(out, spec)
	}
	return out, nil
}

func (r *run) record(spec report.Spec) {
	if spec.Status == "" {
		spec.Status = report.Aggregate(&spec)
	}
	r.recorder.Record(spec)
	r.o.metrics.ObserveSpec(spec)
}

// fail notes a failing spec and, in fail-fast mode, stops the run.
func (r *run) fail(f report.Failure) {
	if !r.o.opts.FailFast {
		return
	}
	if r.recorder.Fail(f) {
		r.o.logger.Info("stopping at first failure", zap.String("spec", f.Spec), zap.Int("subcase", f.Subcase))
	}
	r.stop(errFailFast)
}

func (r *run) runSpec(ctx context.Context, spec callspec.CallSpec) {
	// A spec that never starts stays pending and is reported skipped.
	if ctx.Err() != nil {
		return
	}
	if err := r.state.transition(spec.Name, statePending, stateRunning); err != nil {
		return
	}
	log := r.o.logger.With(zap.String("spec", spec.Name))

	release, err := r.locks.acquire(ctx, spec.Resources)
	if err != nil {
		r.skip(spec)
		return
	}
	defer release()

	started := time.Now()
	rec := r.verifySpec(ctx, spec, log)
	if rec == nil {
		r.skip(spec)
		return
	}
	rec.Duration = time.Since(started)
	rec.Status = report.Aggregate(rec)
	if err := r.state.transition(spec.Name, stateRunning, stateDone); err != nil {
		log.Error("spec state", zap.Error(err))
	}
	r.record(*rec)

	log.Info("spec verified", zap.String("status", string(rec.Status)), zap.Duration("duration", rec.Duration))
	if rec.Status != report.StatusPassed {
		f := report.Failure{Spec: spec.Name, Subcase: -1, Status: rec.Status, Error: rec.Error}
		if fails := (&report.Suite{Specs: []report.Spec{*rec}}).Failures(); len(fails) > 0 {
			f = fails[0]
		}
		r.fail(f)
	}
}

func (r *run) skip(spec callspec.CallSpec) {
	_ = r.state.transition(spec.Name, stateRunning, stateSkipped)
	r.record(report.Spec{Name: spec.Name, Program: spec.Program, Status: report.StatusSkipped})
}

// verifySpec generates and runs the subcases of spec. It returns nil when
// the run was cancelled before any subcase could be generated.
func (r *run) verifySpec(ctx context.Context, spec callspec.CallSpec, log *zap.Logger) *report.Spec {
	drafts, err := r.o.generator.Generate(ctx, spec, r.o.opts.Trials)
	if err != nil && ctx.Err() == nil {
		log.Warn("spec rejected by generator", zap.Error(err))
		return &report.Spec{Name: spec.Name, Program: spec.Program, Error: err.Error()}
	}
	if len(drafts) == 0 {
		return nil
	}

	specCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var (
		mu      sync.Mutex
		specErr error
	)
	subcases := make([]report.Subcase, len(drafts))

	g := new(errgroup.Group)
	g.SetLimit(r.o.opts.Concurrency)
	for i, d := range drafts {
		if d.Err != nil {
			subcases[i] = generationFailure(ctx, d)
			r.o.metrics.ObserveSubcase(spec.Name, subcases[i])
			continue
		}
		g.Go(func() error {
			sc, err := r.runSubcase(specCtx, spec, d.Subcase)
			subcases[i] = sc
			if err != nil {
				mu.Lock()
				if specErr == nil {
					specErr = err
				}
				mu.Unlock()
				abort(errSpecAborted)
			}
			return nil
		})
	}
	_ = g.Wait()

	rec := &report.Spec{Name: spec.Name, Program: spec.Program, Subcases: subcases}
	if specErr != nil {
		rec.Error = specErr.Error()
	}
	return rec
}

func generationFailure(ctx context.Context, d generate.Draft) report.Subcase {
	sc := report.Subcase{Index: d.Index, Status: report.StatusErrored, Error: d.Err.Error()}
	if ctx.Err() != nil {
		sc.Status, sc.Error = interruption(ctx)
	}
	return sc
}

// interruption classifies a subcase cut short by cancellation. Work stopped
// by fail-fast or by an aborted spec is skipped; anything else errored.
func interruption(ctx context.Context) (report.Status, string) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errFailFast), errors.Is(cause, errSpecAborted):
		return report.StatusSkipped, ""
	case errors.Is(cause, ErrSuiteBudget):
		return report.StatusErrored, ErrSuiteBudget.Error()
	}
	return report.StatusErrored, fmt.Sprintf("interrupted: %v", cause)
}

// execute runs sc in a sandbox while holding one process slot.
func (r *run) execute(ctx context.Context, sc *callspec.Subcase) (*sandbox.Result, error) {
	if err := r.procs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.procs.Release(1)
	return r.o.executor.Run(ctx, sc)
}

// runSubcase runs and verifies one subcase. A non-nil error is a setup or
// spawn failure that aborts the whole spec.
func (r *run) runSubcase(ctx context.Context, spec callspec.CallSpec, sc *callspec.Subcase) (report.Subcase, error) {
	rec := report.Subcase{Index: sc.Index, ID: sc.ID(), Seed: sc.Seed, Argv: sc.Argv()}
	log := r.o.logger.With(zap.String("spec", spec.Name), zap.Int("subcase", sc.Index), zap.Int64("seed", sc.Seed))

	res, err := r.execute(ctx, sc)
	switch {
	case err != nil && ctx.Err() != nil:
		rec.Status, rec.Error = interruption(ctx)
		r.o.metrics.ObserveSubcase(spec.Name, rec)
		return rec, nil
	case err != nil:
		log.Warn("subcase could not run", zap.Error(err))
		rec.Status = report.StatusErrored
		rec.Error = err.Error()
		r.o.metrics.ObserveSubcase(spec.Name, rec)
		return rec, err
	}

	rec.ExitCode = res.ExitCode
	rec.Duration = res.Duration
	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr

	if res.TimedOut {
		rec.Status = report.StatusTimedOut
	} else {
		outcome := r.o.verifier.Verify(spec.Effects, sc.Bindings(), res)
		rec.Mismatches = outcome.Mismatches
		rec.Status = report.StatusPassed
		if !outcome.Passed() {
			rec.Status = report.StatusFailed
		}
	}

	if rec.Status == report.StatusPassed {
		if err := r.o.executor.Discard(res); err != nil {
			log.Warn("sandbox cleanup failed", zap.String("dir", res.Dir), zap.Error(err))
		}
	} else {
		rec.Dir = res.Dir
		log.Info("subcase failed",
			zap.String("status", string(rec.Status)),
			zap.Int("exit_code", res.ExitCode),
			zap.Int("mismatches", len(rec.Mismatches)),
			zap.String("dir", res.Dir),
		)
	}
	r.o.metrics.ObserveSubcase(spec.Name, rec)

	if rec.Status == report.StatusFailed {
		if r.o.opts.Shrink {
			if smaller := r.shrink(ctx, spec, sc); smaller != nil {
				rec.Shrunk = smaller.Argv()
			}
		}
	}
	if rec.Status != report.StatusPassed {
		r.fail(report.Failure{
			Spec: spec.Name, Subcase: rec.Index, ID: rec.ID, Status: rec.Status,
			Argv: rec.Argv, Mismatches: rec.Mismatches,
		})
	}
	return rec, nil
}
