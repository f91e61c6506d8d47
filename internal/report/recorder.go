package report

import "sync"

// Recorder collects spec records from concurrent workers. Records arrive in
// completion order; Suite puts them in canonical order.
type Recorder struct {
	mu    sync.Mutex
	specs []Spec
	first *Failure
}

func NewRecorder() *Recorder { return &Recorder{} }

// Record stores a finished spec, deriving its status when unset.
func (r *Recorder) Record(spec Spec) {
	if r == nil {
		return
	}
	if spec.Status == "" {
		spec.Status = Aggregate(&spec)
	}
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
}

// Fail remembers f unless an earlier failure was already noted, and reports
// whether f was the first.
func (r *Recorder) Fail(f Failure) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.first != nil {
		return false
	}
	r.first = &f
	return true
}

// Suite returns a canonical copy of what was recorded, filled into base.
func (r *Recorder) Suite(base Suite) *Suite {
	r.mu.Lock()
	specs := make([]Spec, len(r.specs))
	for i, s := range r.specs {
		s.Subcases = append([]Subcase(nil), s.Subcases...)
		specs[i] = s
	}
	first := r.first
	r.mu.Unlock()

	out := base
	out.Specs = specs
	if first != nil {
		f := *first
		out.FirstFailure = &f
	}
	out.Canonicalize()
	return &out
}
