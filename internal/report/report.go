// Package report holds the result tree of a verification run: suite, spec,
// subcase, mismatches. The tree is plain data; it renders for humans and
// serializes to JSON for test runners.
package report

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"callcheck/internal/effects"
	"callcheck/internal/sandbox"
)

// Status is the verdict of a subcase, a spec or the suite.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusErrored  Status = "errored"
	StatusSkipped  Status = "skipped"
)

// Subcase is the record of one invocation.
type Subcase struct {
	Index      int                `json:"index"`
	ID         string             `json:"id,omitempty"`
	Seed       int64              `json:"seed"`
	Argv       []string           `json:"argv,omitempty"`
	Status     Status             `json:"status"`
	Mismatches []effects.Mismatch `json:"mismatches,omitempty"`
	// Error describes an errored subcase: generation failure or an
	// interrupted run.
	Error    string          `json:"error,omitempty"`
	ExitCode int             `json:"exit_code"`
	Duration time.Duration   `json:"duration"`
	Stdout   sandbox.Capture `json:"stdout"`
	Stderr   sandbox.Capture `json:"stderr"`
	// Dir is the retained sandbox of a failing subcase.
	Dir string `json:"dir,omitempty"`
	// Shrunk is the smallest failing variant found, when shrinking ran.
	Shrunk []string `json:"shrunk,omitempty"`
}

// Spec is the record of one contract.
type Spec struct {
	Name    string `json:"name"`
	Program string `json:"program"`
	Status  Status `json:"status"`
	// Error describes a spec-level failure such as a missing program.
	Error    string        `json:"error,omitempty"`
	Subcases []Subcase     `json:"subcases,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failure flattens one failing subcase, or a failing spec with no
// subcase, for test runners.
type Failure struct {
	Spec       string             `json:"spec"`
	Subcase    int                `json:"subcase"`
	ID         string             `json:"id,omitempty"`
	Status     Status             `json:"status"`
	Argv       []string           `json:"argv,omitempty"`
	Mismatches []effects.Mismatch `json:"mismatches,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Suite is the root of the tree.
type Suite struct {
	RunID    string        `json:"run_id"`
	Seed     int64         `json:"seed"`
	Trials   int           `json:"trials"`
	FailFast bool          `json:"fail_fast,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	// BudgetExceeded is set when the suite time budget cancelled work.
	BudgetExceeded bool   `json:"budget_exceeded,omitempty"`
	Specs          []Spec `json:"specs"`
	// FirstFailure is the failure that stopped a fail-fast run.
	FirstFailure *Failure `json:"first_failure,omitempty"`
}

// Aggregate derives a spec's status from its subcases. A spec-level error
// wins; otherwise any failing or timed-out subcase fails the spec, then any
// errored one, and a spec passes only when every subcase passed.
func Aggregate(spec *Spec) Status {
	if spec.Error != "" {
		return StatusErrored
	}
	if len(spec.Subcases) == 0 {
		return StatusSkipped
	}
	counts := map[Status]int{}
	for _, sc := range spec.Subcases {
		counts[sc.Status]++
	}
	switch {
	case counts[StatusFailed] > 0 || counts[StatusTimedOut] > 0:
		return StatusFailed
	case counts[StatusErrored] > 0:
		return StatusErrored
	case counts[StatusPassed] == len(spec.Subcases):
		return StatusPassed
	}
	return StatusSkipped
}

// Passed reports whether every spec passed. A suite without specs passes.
func (s *Suite) Passed() bool {
	for _, sp := range s.Specs {
		if sp.Status != StatusPassed {
			return false
		}
	}
	return true
}

// Failures lists every failing subcase, plus specs that failed without
// running a subcase, in spec and subcase order. Skipped specs are not
// failures.
func (s *Suite) Failures() []Failure {
	var out []Failure
	for _, sp := range s.Specs {
		if sp.Error != "" {
			out = append(out, Failure{Spec: sp.Name, Subcase: -1, Status: StatusErrored, Error: sp.Error})
			continue
		}
		for _, sc := range sp.Subcases {
			if sc.Status == StatusPassed || sc.Status == StatusSkipped {
				continue
			}
			out = append(out, Failure{
				Spec:       sp.Name,
				Subcase:    sc.Index,
				ID:         sc.ID,
				Status:     sc.Status,
				Argv:       sc.Argv,
				Mismatches: sc.Mismatches,
				Error:      sc.Error,
			})
		}
	}
	return out
}

// Counts tallies statuses.
type Counts struct {
	Specs    map[Status]int `json:"specs"`
	Subcases map[Status]int `json:"subcases"`
}

func (s *Suite) Counts() Counts {
	c := Counts{Specs: map[Status]int{}, Subcases: map[Status]int{}}
	for _, sp := range s.Specs {
		c.Specs[sp.Status]++
		for _, sc := range sp.Subcases {
			c.Subcases[sc.Status]++
		}
	}
	return c
}

// Canonicalize orders specs by name and subcases by index, so reports of
// concurrent runs compare equal.
func (s *Suite) Canonicalize() {
	sort.SliceStable(s.Specs, func(i, j int) bool { return s.Specs[i].Name < s.Specs[j].Name })
	for i := range s.Specs {
		subs := s.Specs[i].Subcases
		sort.SliceStable(subs, func(a, b int) bool { return subs[a].Index < subs[b].Index })
	}
}

// WriteJSON writes the suite as indented JSON.
func WriteJSON(w io.Writer, s *Suite) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
