package orchestrator

import (
	"fmt"
	"sort"
	"sync"
)

// specState is the lifecycle of one spec within a run.
type specState string

const (
	statePending specState = "PENDING"
	stateRunning specState = "RUNNING"
	stateDone    specState = "DONE"
	stateSkipped specState = "SKIPPED"
)

func isAllowedTransition(from, to specState) bool {
	switch from {
	case statePending:
		return to == stateRunning || to == stateSkipped
	case stateRunning:
		return to == stateDone || to == stateSkipped
	default:
		return false
	}
}

// runState tracks every selected spec. All access goes through mu.
type runState struct {
	mu     sync.Mutex
	states map[string]specState
}

func newRunState(names []string) *runState {
	s := &runState{states: make(map[string]specState, len(names))}
	for _, n := range names {
		s.states[n] = statePending
	}
	return s
}

// transition moves name from one state to another. The caller supplies the
// expected prior state so that races show up as errors.
func (s *runState) transition(name string, from, to specState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[name]
	if !ok {
		return fmt.Errorf("unknown spec in state: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	s.states[name] = to
	return nil
}

// skipPending marks every spec that never started as skipped and returns
// their names in sorted order.
func (s *runState) skipPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for n, st := range s.states {
		if st == statePending {
			s.states[n] = stateSkipped
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
