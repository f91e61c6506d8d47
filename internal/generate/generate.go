// Package generate turns call specs into concrete subcases.
//
// Each slot is filled by the first strategy that fits its predicate: a
// uniform pick from a closed finite domain, a solver query for predicates
// with a symbolic form, or randomized generate-and-validate. Every value is
// validated against its own predicate before it is accepted.
package generate

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"callcheck/internal/callspec"
	"callcheck/internal/regex"
	"callcheck/internal/solver"
)

const (
	DefaultTrials           = 5
	DefaultSolverTimeout    = 2 * time.Second
	DefaultFallbackAttempts = 256
)

// Config tunes generation.
type Config struct {
	Seed int64
	// Budget is the solver's random-draw budget per query.
	Budget int
	// SolverTimeout is the wall-clock ceiling of one solver query.
	SolverTimeout time.Duration
	// FallbackAttempts bounds generate-and-validate loops.
	FallbackAttempts int
	Regex            regex.Options
}

func (c Config) withDefaults() Config {
	if c.SolverTimeout <= 0 {
		c.SolverTimeout = DefaultSolverTimeout
	}
	if c.FallbackAttempts <= 0 {
		c.FallbackAttempts = DefaultFallbackAttempts
	}
	return c
}

// Generator produces subcases. Its exclusion set makes successive values of
// one slot differ; it is safe to share a Generator between goroutines
// working on different specs.
type Generator struct {
	sampler    solver.Sampler
	exclusions *solver.ExclusionSet
	cfg        Config
	logger     *zap.Logger
}

func New(sampler solver.Sampler, cfg Config, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		sampler:    sampler,
		exclusions: solver.NewExclusionSet(),
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Draft is the result of generating one subcase: either a Subcase or the
// error that aborted it.
type Draft struct {
	Index   int
	Subcase *callspec.Subcase
	Err     error
}

// Generate produces k drafts for spec in index order. The returned error is
// reserved for problems with the spec as a whole; per-subcase failures are
// recorded in the drafts. A provably unsatisfiable slot that depends on no
// other slot fails every remaining draft without further solver queries.
func (g *Generator) Generate(ctx context.Context, spec callspec.CallSpec, k int) ([]Draft, error) {
	order, err := spec.ResolutionOrder()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultTrials
	}
	drafts := make([]Draft, 0, k)
	var terminal error
	for i := 0; i < k; i++ {
		if err := ctx.Err(); err != nil {
			return drafts, err
		}
		if terminal != nil {
			drafts = append(drafts, Draft{Index: i, Err: terminal})
			continue
		}
		sc, err := g.GenerateOne(ctx, spec, order, i)
		drafts = append(drafts, Draft{Index: i, Subcase: sc, Err: err})

		var serr *SlotError
		if errors.Is(err, solver.ErrUnsatisfiable) && errors.As(err, &serr) {
			if sl, ok := spec.Slot(serr.Slot); ok && len(sl.DependsOn) == 0 {
				terminal = err
			}
		}
		if err != nil {
			g.logger.Debug("subcase generation failed",
				zap.String("spec", spec.Name),
				zap.Int("subcase", i),
				zap.Error(err),
			)
		}
	}
	return drafts, nil
}

// GenerateOne builds subcase index of spec, resolving slots in order.
func (g *Generator) GenerateOne(ctx context.Context, spec callspec.CallSpec, order []string, index int) (*callspec.Subcase, error) {
	seed := SubcaseSeed(g.cfg.Seed, spec.Name, index)
	rng := rand.New(rand.NewSource(seed))

	values := make(map[string][]string, len(spec.Slots))
	bindings := make(map[string]string, len(spec.Slots))
	for _, name := range order {
		sl, _ := spec.Slot(name)
		st := &slotState{
			g:      g,
			spec:   &spec,
			slot:   sl,
			pred:   sl.Predicate.Expand(bindings),
			rng:    rng,
			exists: fixtureExists(spec),
		}
		count := 1
		if sl.Variadic {
			count = sl.Min + rng.Intn(sl.Max-sl.Min+1)
		}
		vs := make([]string, 0, count)
		for j := 0; j < count; j++ {
			v, err := st.value(ctx)
			if err != nil {
				return nil, &SlotError{Spec: spec.Name, Slot: sl.Name, Index: index, Err: err}
			}
			vs = append(vs, v)
		}
		values[name] = vs
		bindings[name] = strings.Join(vs, " ")
	}

	args := make([]string, 0, len(spec.Slots))
	for _, sl := range spec.Slots {
		args = append(args, values[sl.Name]...)
	}
	return &callspec.Subcase{
		Spec:     spec.Name,
		Index:    index,
		Seed:     seed,
		Program:  spec.Program,
		Args:     args,
		Values:   values,
		WorkDir:  spec.WorkDir,
		Fixtures: append([]callspec.Fixture(nil), spec.Fixtures...),
		Env:      spec.Env,
		PassEnv:  spec.PassEnv,
		Timeout:  spec.Timeout,
	}, nil
}

// SubcaseSeed derives the seed of one subcase from the run seed.
func SubcaseSeed(seed int64, spec string, index int) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(seed, 10)))
	h.Write([]byte{0})
	h.Write([]byte(spec))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	return int64(h.Sum64() & (1<<63 - 1))
}

// fixtureExists answers PathExists for paths relative to the working
// directory, against the fixtures the sandbox will materialize.
func fixtureExists(spec callspec.CallSpec) func(string) bool {
	set := make(map[string]bool, len(spec.Fixtures))
	for _, f := range spec.Fixtures {
		set[filepath.Clean(f.Path)] = true
	}
	return func(p string) bool {
		if filepath.IsAbs(p) {
			return false
		}
		return set[filepath.Clean(filepath.Join(spec.WorkDir, p))]
	}
}

// fixtureCandidates lists fixture paths as seen from the working directory.
func fixtureCandidates(spec *callspec.CallSpec) []string {
	out := make([]string, 0, len(spec.Fixtures))
	for _, f := range spec.Fixtures {
		rel, err := filepath.Rel(filepath.Join(".", spec.WorkDir), filepath.Clean(f.Path))
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out
}
