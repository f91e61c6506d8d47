package solver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"callcheck/internal/symre"
)

const (
	DefaultMaxStates   = 4096
	DefaultExtraLength = 8
)

const (
	surrogateLo = 0xD800
	surrogateHi = 0xDFFF
)

// Automaton is the native Sampler. It determinizes a term by Brzozowski
// derivatives over the term's alphabet partition, decides emptiness by
// reachability and samples by a seeded random walk toward an accepting state.
// Built automata are cached by term key.
type Automaton struct {
	// MaxStates bounds determinization. Zero means DefaultMaxStates.
	MaxStates int
	// ExtraLength is how far past the shortest member the random walk may
	// aim. Zero means DefaultExtraLength.
	ExtraLength int
	Logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]*dfa
}

var _ Sampler = (*Automaton)(nil)

// NewAutomaton returns a native sampler with default limits.
func NewAutomaton(logger *zap.Logger) *Automaton {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Automaton{Logger: logger}
}

// Sample implements Sampler.
func (a *Automaton) Sample(ctx context.Context, q Query) (string, error) {
	if err := q.Constraint.validate(); err != nil {
		return "", err
	}
	if q.Constraint.Int != nil {
		return sampleInt(ctx, *q.Constraint.Int, q)
	}
	d, err := a.build(ctx, q.Constraint.Regex)
	if err != nil {
		return "", err
	}
	if !d.live[d.start] {
		return "", fmt.Errorf("%w: %s", ErrUnsatisfiable, truncateKey(q.Constraint.Regex.Key()))
	}

	excluded := toSet(q.Exclusions)
	rng := rand.New(rand.NewSource(mixSeed(q.Seed, len(q.Exclusions))))
	for i := 0; i < q.budget(); i++ {
		v := d.walk(rng)
		if _, ok := excluded[v]; !ok {
			return v, nil
		}
	}

	v, ok, err := d.enumerate(ctx, excluded)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: language has no member outside %d exclusions", ErrExhausted, len(excluded))
	}
	return v, nil
}

// IsEmpty reports whether t matches no string.
func (a *Automaton) IsEmpty(ctx context.Context, t *symre.Term) (bool, error) {
	d, err := a.build(ctx, t)
	if err != nil {
		return false, err
	}
	return !d.live[d.start], nil
}

func (a *Automaton) build(ctx context.Context, t *symre.Term) (*dfa, error) {
	a.mu.Lock()
	if d, ok := a.cache[t.Key()]; ok {
		a.mu.Unlock()
		return d, nil
	}
	a.mu.Unlock()

	maxStates := a.MaxStates
	if maxStates <= 0 {
		maxStates = DefaultMaxStates
	}
	extra := a.ExtraLength
	if extra <= 0 {
		extra = DefaultExtraLength
	}
	d, err := determinize(ctx, t, maxStates)
	if err != nil {
		return nil, err
	}
	d.analyze(extra)

	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("built automaton",
		zap.Int("states", len(d.states)),
		zap.Int("classes", len(d.classes)),
		zap.Bool("empty", !d.live[d.start]),
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		a.cache = make(map[string]*dfa)
	}
	a.cache[t.Key()] = d
	return d, nil
}

// class is one cell of the alphabet partition.
type class struct {
	lo, hi rune
}

type dfa struct {
	classes []class
	states  []*symre.Term
	// next[s][c] is the successor of s on class c, or -1 when c is unusable.
	next   [][]int
	accept []bool
	start  int

	// live marks states from which an accepting state is reachable.
	live []bool
	// exact[k][s] holds when s accepts some string of exactly k characters.
	exact    [][]bool
	shortest int
	horizon  int
}

func determinize(ctx context.Context, t *symre.Term, maxStates int) (*dfa, error) {
	classes := partition(symre.Boundaries(t))
	d := &dfa{classes: classes}
	index := map[string]int{}
	add := func(s *symre.Term) (int, error) {
		if id, ok := index[s.Key()]; ok {
			return id, nil
		}
		if len(d.states) >= maxStates {
			return 0, fmt.Errorf("%w: more than %d states", ErrStateLimit, maxStates)
		}
		id := len(d.states)
		index[s.Key()] = id
		d.states = append(d.states, s)
		d.accept = append(d.accept, s.Nullable())
		return id, nil
	}
	if _, err := add(t); err != nil {
		return nil, err
	}
	for s := 0; s < len(d.states); s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := make([]int, len(classes))
		for c, cl := range classes {
			if cl.lo >= surrogateLo && cl.hi <= surrogateHi {
				row[c] = -1
				continue
			}
			id, err := add(symre.Derive(d.states[s], cl.lo))
			if err != nil {
				return nil, err
			}
			row[c] = id
		}
		d.next = append(d.next, row)
	}
	return d, nil
}

func partition(bounds []rune) []class {
	bounds = append(bounds, surrogateLo, surrogateHi+1)
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })
	out := make([]class, 0, len(bounds))
	for i, lo := range bounds {
		if i > 0 && lo == bounds[i-1] {
			continue
		}
		hi := symre.UniverseMax
		for j := i + 1; j < len(bounds); j++ {
			if bounds[j] != lo {
				hi = bounds[j] - 1
				break
			}
		}
		out = append(out, class{lo: lo, hi: hi})
	}
	return out
}

func (d *dfa) analyze(extra int) {
	n := len(d.states)
	rev := make([][]int, n)
	for s, row := range d.next {
		for _, t := range row {
			if t >= 0 {
				rev[t] = append(rev[t], s)
			}
		}
	}
	d.live = make([]bool, n)
	dist := make([]int, n)
	var queue []int
	for s := range d.states {
		if d.accept[s] {
			d.live[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, p := range rev[s] {
			if !d.live[p] {
				d.live[p] = true
				dist[p] = dist[s] + 1
				queue = append(queue, p)
			}
		}
	}
	if !d.live[d.start] {
		return
	}
	d.shortest = dist[d.start]
	d.horizon = d.shortest + extra
	d.exact = d.grow([][]bool{append([]bool(nil), d.accept...)}, d.horizon)
}

// grow extends an exact-length table up to length k. The cached table is
// shared between samplers, so callers growing past the horizon pass a
// capacity-limited copy.
func (d *dfa) grow(exact [][]bool, k int) [][]bool {
	for len(exact) <= k {
		prev := exact[len(exact)-1]
		cur := make([]bool, len(d.states))
		for s, row := range d.next {
			for _, t := range row {
				if t >= 0 && prev[t] {
					cur[s] = true
					break
				}
			}
		}
		exact = append(exact, cur)
	}
	return exact
}

// walk draws one member whose length is chosen uniformly among the feasible
// lengths up to the horizon.
func (d *dfa) walk(rng *rand.Rand) string {
	var lengths []int
	for k := d.shortest; k <= d.horizon; k++ {
		if d.exact[k][d.start] {
			lengths = append(lengths, k)
		}
	}
	n := lengths[rng.Intn(len(lengths))]

	var b strings.Builder
	s := d.start
	for remaining := n; remaining > 0; remaining-- {
		var cands []int
		for c, t := range d.next[s] {
			if t >= 0 && d.exact[remaining-1][t] {
				cands = append(cands, c)
			}
		}
		c, r := d.pick(rng, cands)
		b.WriteRune(r)
		s = d.next[s][c]
	}
	return b.String()
}

var preferred = []class{
	{'a', 'z'}, {'A', 'Z'}, {'0', '9'},
}

const printableLo, printableHi = 0x21, 0x7e

// pick chooses a class and a character in it, favouring alphanumerics and
// then printable ASCII so samples stay readable on a command line.
func (d *dfa) pick(rng *rand.Rand, cands []int) (int, rune) {
	f := rng.Float64()
	if f < 0.8 {
		if c, r, ok := d.pickWithin(rng, cands, preferred); ok {
			return c, r
		}
	}
	if f < 0.95 {
		if c, r, ok := d.pickWithin(rng, cands, []class{{printableLo, printableHi}}); ok {
			return c, r
		}
	}
	c := cands[rng.Intn(len(cands))]
	cl := d.classes[c]
	return c, cl.lo + rune(rng.Int63n(int64(cl.hi-cl.lo)+1))
}

func (d *dfa) pickWithin(rng *rand.Rand, cands []int, within []class) (int, rune, bool) {
	type span struct {
		c      int
		lo, hi rune
	}
	var spans []span
	var total int64
	for _, c := range cands {
		cl := d.classes[c]
		for _, w := range within {
			lo, hi := max(cl.lo, w.lo), min(cl.hi, w.hi)
			if lo <= hi {
				spans = append(spans, span{c, lo, hi})
				total += int64(hi-lo) + 1
			}
		}
	}
	if total == 0 {
		return 0, 0, false
	}
	at := rng.Int63n(total)
	for _, sp := range spans {
		width := int64(sp.hi-sp.lo) + 1
		if at < width {
			return sp.c, sp.lo + rune(at), true
		}
		at -= width
	}
	return 0, 0, false
}

// enumerate returns the first member in length-lexicographic order that is
// not excluded. It visits at most len(excluded)+1 members per length and
// stops once lengths exceed the longest member of a finite language.
func (d *dfa) enumerate(ctx context.Context, excluded map[string]struct{}) (string, bool, error) {
	longest, finite := d.longest()
	exact := d.exact[:len(d.exact):len(d.exact)]
	buf := make([]rune, 0, d.horizon)
	for k := d.shortest; !finite || k <= longest; k++ {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		exact = d.grow(exact, k)
		if !exact[k][d.start] {
			continue
		}
		v, ok, err := d.enumerateLength(ctx, exact, d.start, k, buf[:0], excluded)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return "", false, nil
}

func (d *dfa) enumerateLength(ctx context.Context, exact [][]bool, s, remaining int, prefix []rune, excluded map[string]struct{}) (string, bool, error) {
	if remaining == 0 {
		v := string(prefix)
		if _, ok := excluded[v]; ok {
			return "", false, nil
		}
		return v, true, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	for c, t := range d.next[s] {
		if t < 0 || !exact[remaining-1][t] {
			continue
		}
		// Every character of a class leads to t, so each one that fails
		// accounts for at least one exclusion and the loop stays bounded.
		cl := d.classes[c]
		for r := cl.lo; r <= cl.hi; r++ {
			v, ok, err := d.enumerateLength(ctx, exact, t, remaining-1, append(prefix, r), excluded)
			if err != nil || ok {
				return v, ok, err
			}
		}
	}
	return "", false, nil
}

// longest returns the length of the longest member and whether the language
// is finite.
func (d *dfa) longest() (int, bool) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(d.states))
	memo := make([]int, len(d.states))
	cyclic := false
	var visit func(s int) int
	visit = func(s int) int {
		if cyclic {
			return 0
		}
		switch state[s] {
		case onStack:
			cyclic = true
			return 0
		case done:
			return memo[s]
		}
		state[s] = onStack
		best := -1
		if d.accept[s] {
			best = 0
		}
		for _, t := range d.next[s] {
			if t < 0 || !d.live[t] {
				continue
			}
			if l := visit(t); l >= 0 && l+1 > best {
				best = l + 1
			}
		}
		state[s] = done
		memo[s] = best
		return best
	}
	l := visit(d.start)
	return l, !cyclic
}

func truncateKey(k string) string {
	const limit = 120
	if len(k) <= limit {
		return k
	}
	return k[:limit] + "..."
}
