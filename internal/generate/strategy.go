package generate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"go.uber.org/zap"

	"callcheck/internal/callspec"
	"callcheck/internal/predicate"
	"callcheck/internal/solver"
)

// slotState fills one slot of one subcase. Variadic slots call value once
// per element; used keeps the elements of one slot apart.
type slotState struct {
	g      *Generator
	spec   *callspec.CallSpec
	slot   callspec.ArgSlot
	pred   predicate.Predicate
	rng    *rand.Rand
	exists func(string) bool
	used   []string
}

func (st *slotState) key() string {
	return st.spec.Name + "/" + st.slot.Name + "/" + st.pred.String()
}

func (st *slotState) validator() predicate.Validator {
	return predicate.Validator{Exists: st.exists}
}

func (st *slotState) value(ctx context.Context) (string, error) {
	if members, ok := finiteMembers(st.pred, st.spec); ok {
		return st.pick(members)
	}

	if st.slot.Domain == callspec.DomainInteger && st.pred.Kind != predicate.KindAny {
		if set, sound, ok := intSet(st.pred); ok {
			return st.solve(ctx, solver.IntSetConstraint(set), sound, true)
		}
		return st.randomized(ctx)
	}

	tr, err := predicate.Symbolic(st.pred, st.g.cfg.Regex)
	if err != nil {
		return "", err
	}
	if tr.Term == nil {
		return st.randomized(ctx)
	}
	return st.solve(ctx, solver.RegexConstraint(tr.Term), tr.Sound, tr.Complete)
}

// pick chooses uniformly among the members that satisfy the whole
// predicate, preferring members this slot has not produced yet.
func (st *slotState) pick(members []string) (string, error) {
	v := st.validator()
	seen := make(map[string]bool, len(members))
	var valid []string
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		if v.Validate(st.pred, m) == nil {
			valid = append(valid, m)
		}
	}
	if len(valid) == 0 {
		return "", fmt.Errorf("%w: no member of %s satisfies it", solver.ErrUnsatisfiable, st.pred)
	}

	fresh := valid[:0:0]
	for _, m := range valid {
		if !st.isUsed(m) {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		fresh = valid
	}
	out := fresh[st.rng.Intn(len(fresh))]
	st.accept(out)
	return out, nil
}

// solve queries the sampler and validates every answer. Answers of a sound
// constraint must validate; answers of an approximate one are retried with
// the rejected value excluded. Exhaustion is reported as is, except for
// dependent slots, which may repeat values of earlier subcases.
func (st *slotState) solve(ctx context.Context, c solver.Constraint, sound, complete bool) (string, error) {
	key := st.key()
	val := st.validator()
	var rejects []string
	shared := true
	for attempt := 0; attempt < st.g.cfg.FallbackAttempts; attempt++ {
		var excl []string
		if shared {
			excl = st.g.exclusions.Snapshot(key)
		}
		excl = append(excl, st.used...)
		excl = append(excl, rejects...)

		v, err := st.query(ctx, solver.Query{
			Constraint: c,
			Exclusions: excl,
			Budget:     st.g.cfg.Budget,
			Seed:       st.rng.Int63(),
		})
		switch {
		case err == nil:
		case errors.Is(err, solver.ErrExhausted) && shared && len(st.slot.DependsOn) > 0:
			shared = false
			continue
		case errors.Is(err, solver.ErrUnsatisfiable):
			if complete {
				return "", err
			}
			st.g.logger.Debug("approximate constraint is empty, falling back",
				zap.String("spec", st.spec.Name),
				zap.String("slot", st.slot.Name),
			)
			return st.randomized(ctx)
		case errors.Is(err, ErrSolverTimeout):
			if !admitsFallback(st.pred) {
				return "", err
			}
			st.g.logger.Debug("solver timed out, falling back",
				zap.String("spec", st.spec.Name),
				zap.String("slot", st.slot.Name),
			)
			return st.randomized(ctx)
		default:
			return "", err
		}

		verr := val.Validate(st.pred, v)
		if verr == nil {
			st.accept(v)
			st.g.exclusions.Add(key, v)
			return v, nil
		}
		if !errors.Is(verr, predicate.ErrViolation) {
			return "", verr
		}
		if sound {
			return "", &InvariantError{Spec: st.spec.Name, Slot: st.slot.Name, Value: v, Cause: verr}
		}
		rejects = append(rejects, v)
	}
	return "", fmt.Errorf("%w: %d solver answers violated %s", ErrNoCandidate, len(rejects), st.pred)
}

// query runs one sampler call under the solver wall-clock ceiling.
func (st *slotState) query(ctx context.Context, q solver.Query) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, st.g.cfg.SolverTimeout)
	defer cancel()
	v, err := st.g.sampler.Sample(qctx, q)
	if err != nil && ctx.Err() == nil && errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %v", ErrSolverTimeout, st.g.cfg.SolverTimeout, err)
	}
	return v, err
}

// randomized draws unconstrained values of the slot's domain until one
// satisfies the predicate. A fresh value is preferred; a value handed out
// before is returned only when no fresh one turned up.
func (st *slotState) randomized(ctx context.Context) (string, error) {
	key := st.key()
	val := st.validator()
	seen := make(map[string]bool)
	for _, v := range st.g.exclusions.Snapshot(key) {
		seen[v] = true
	}
	var repeat string
	for i := 0; i < st.g.cfg.FallbackAttempts; i++ {
		if i%32 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		cand := Unconstrained(st.slot.Domain, st.rng)
		if val.Validate(st.pred, cand) != nil {
			continue
		}
		if seen[cand] || st.isUsed(cand) {
			if repeat == "" {
				repeat = cand
			}
			continue
		}
		st.accept(cand)
		st.g.exclusions.Add(key, cand)
		return cand, nil
	}
	if repeat != "" {
		st.accept(repeat)
		return repeat, nil
	}
	return "", fmt.Errorf("%w: %d random %s values violated %s",
		ErrNoCandidate, st.g.cfg.FallbackAttempts, st.slot.Domain, st.pred)
}

func (st *slotState) accept(v string) { st.used = append(st.used, v) }

func (st *slotState) isUsed(v string) bool {
	for _, u := range st.used {
		if u == v {
			return true
		}
	}
	return false
}

// finiteMembers returns the candidate values of a closed finite predicate.
// For And the first finite operand bounds the domain; Or is finite only when
// every operand is.
func finiteMembers(p predicate.Predicate, spec *callspec.CallSpec) ([]string, bool) {
	switch p.Kind {
	case predicate.KindOneOf:
		return p.Values, true
	case predicate.KindEquals:
		return []string{p.Value}, true
	case predicate.KindPathExists:
		return fixtureCandidates(spec), true
	case predicate.KindAnd:
		for _, op := range p.Operands {
			if m, ok := finiteMembers(op, spec); ok {
				return m, true
			}
		}
	case predicate.KindOr:
		var all []string
		for _, op := range p.Operands {
			m, ok := finiteMembers(op, spec)
			if !ok {
				return nil, false
			}
			all = append(all, m...)
		}
		return all, true
	}
	return nil, false
}

// intSet translates an integer predicate into the set of values it admits.
// The set may over-approximate p when And operands do not translate; sound
// reports that it is exact. Or, Xor and Not need exact operands, and
// literals must be canonical base-10 integers.
func intSet(p predicate.Predicate) (set solver.IntSet, sound, ok bool) {
	switch p.Kind {
	case predicate.KindAny:
		return solver.IntSet(nil).Complement(), true, true
	case predicate.KindNumericRange:
		return solver.IntSet{{Min: p.Min, Max: p.Max}}.Normalize(), true, true
	case predicate.KindOneOf, predicate.KindEquals:
		vals := p.Values
		if p.Kind == predicate.KindEquals {
			vals = []string{p.Value}
		}
		for _, v := range vals {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || strconv.FormatInt(n, 10) != v {
				return nil, false, false
			}
			set = append(set, solver.IntRange{Min: n, Max: n})
		}
		return set.Normalize(), true, true
	case predicate.KindAnd:
		sound = true
		for _, op := range p.Operands {
			s, exact, tok := intSet(op)
			if !tok {
				sound = false
				continue
			}
			if !ok {
				set, ok = s, true
			} else {
				set = set.Intersect(s)
			}
			sound = sound && exact
		}
		return set, sound, ok
	case predicate.KindOr, predicate.KindXor:
		// one holds the values admitted by exactly one operand so far.
		var one solver.IntSet
		for _, op := range p.Operands {
			s, exact, tok := intSet(op)
			if !tok || !exact {
				return nil, false, false
			}
			one = one.Intersect(s.Complement()).Union(s.Intersect(set.Complement()))
			set = set.Union(s)
		}
		if p.Kind == predicate.KindXor {
			set = one
		}
		return set, true, len(p.Operands) > 0
	case predicate.KindNot:
		if len(p.Operands) != 1 {
			return nil, false, false
		}
		s, exact, tok := intSet(p.Operands[0])
		if !tok || !exact {
			return nil, false, false
		}
		return s.Complement(), true, true
	}
	return nil, false, false
}

// admitsFallback reports whether random values have a realistic chance of
// satisfying p, which rules out any predicate with a regex leaf.
func admitsFallback(p predicate.Predicate) bool {
	for _, k := range p.Leaves() {
		if k == predicate.KindRegex {
			return false
		}
	}
	return true
}
