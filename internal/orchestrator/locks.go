package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// resourceLocks serializes specs that share a named external resource.
// Locks are taken in sorted order so two specs never wait on each other.
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{locks: map[string]chan struct{}{}}
}

func (r *resourceLocks) lock(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[name] = ch
	}
	return ch
}

// acquire takes every named lock or none. The returned release func must be
// called exactly once after a nil error.
func (r *resourceLocks) acquire(ctx context.Context, names []string) (func(), error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for i, n := range sorted {
		if i > 0 && n == sorted[i-1] {
			continue
		}
		ch := r.lock(n)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
