package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"callcheck/internal/callspec"
	"callcheck/internal/generate"
)

// shrink looks for a smaller invocation of a failing subcase that still
// fails. It takes the first failing candidate, derives candidates from it
// again, and stops when none fails or the run limit is reached. It returns
// nil when no smaller failing invocation was found.
func (r *run) shrink(ctx context.Context, spec callspec.CallSpec, sc *callspec.Subcase) *callspec.Subcase {
	var best *callspec.Subcase
	cur := sc
	runs := 0
	for {
		improved := false
		for _, cand := range generate.ShrinkCandidates(spec, cur) {
			if runs >= r.o.opts.MaxShrinkRuns || ctx.Err() != nil {
				return best
			}
			runs++
			if r.stillFails(ctx, spec, cand) {
				cur, best, improved = cand, cand, true
				break
			}
		}
		if !improved {
			break
		}
	}
	if best != nil {
		r.o.logger.Debug("shrunk failing subcase",
			zap.String("spec", spec.Name),
			zap.Int("subcase", sc.Index),
			zap.Strings("argv", best.Argv()),
			zap.Int("runs", runs),
		)
	}
	return best
}

func (r *run) stillFails(ctx context.Context, spec callspec.CallSpec, sc *callspec.Subcase) bool {
	res, err := r.execute(ctx, sc)
	if err != nil {
		return false
	}
	defer func() { _ = r.o.executor.Discard(res) }()
	if res.TimedOut {
		return false
	}
	return !r.o.verifier.Verify(spec.Effects, sc.Bindings(), res).Passed()
}
