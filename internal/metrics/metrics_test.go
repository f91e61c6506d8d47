package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcheck/internal/report"
	"callcheck/internal/solver"
)

type stubSampler struct{ errs []error }

func (s *stubSampler) Sample(ctx context.Context, q solver.Query) (string, error) {
	err := s.errs[0]
	s.errs = s.errs[1:]
	if err != nil {
		return "", err
	}
	return "v", nil
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSat},
		{fmt.Errorf("slot x: %w", solver.ErrUnsatisfiable), OutcomeUnsat},
		{solver.ErrExhausted, OutcomeExhausted},
		{solver.ErrStateLimit, OutcomeStateLimit},
		{context.DeadlineExceeded, OutcomeTimeout},
		{context.Canceled, OutcomeCancelled},
		{fmt.Errorf("z3 crashed"), OutcomeSolverError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}

func TestInstrumentedSamplerCountsOutcomes(t *testing.T) {
	m := New()
	s := m.InstrumentSampler(&stubSampler{errs: []error{nil, nil, solver.ErrUnsatisfiable}})
	q := solver.Query{Constraint: solver.IntConstraint(0, 9)}
	for i := 0; i < 3; i++ {
		_, _ = s.Sample(context.Background(), q)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.solverQueries.WithLabelValues("int", OutcomeSat)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.solverQueries.WithLabelValues("int", OutcomeUnsat)))
}

func TestNilMetricsIsInert(t *testing.T) {
	var m *Metrics
	inner := &stubSampler{errs: []error{nil}}
	assert.Same(t, inner, m.InstrumentSampler(inner))
	m.ObserveSubcase("x", report.Subcase{Status: report.StatusPassed})
	m.ObserveSpec(report.Spec{Status: report.StatusPassed})
	m.ObserveSuite(&report.Suite{})
}

func TestObserveAndGather(t *testing.T) {
	m := New()
	m.ObserveSubcase("echo", report.Subcase{Status: report.StatusPassed, Duration: 20 * time.Millisecond})
	m.ObserveSubcase("echo", report.Subcase{Status: report.StatusFailed, Duration: 30 * time.Millisecond})
	m.ObserveSubcase("echo", report.Subcase{Status: report.StatusErrored})
	m.ObserveSpec(report.Spec{Status: report.StatusFailed})
	m.ObserveSuite(&report.Suite{Duration: 2 * time.Second})

	samples, err := m.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, s := range samples {
		key := s.Name
		if st, ok := s.Labels["status"]; ok {
			key += "/" + st
		}
		got[key] += s.Value
	}
	assert.Equal(t, 1.0, got["callcheck_subcases_total/passed"])
	assert.Equal(t, 1.0, got["callcheck_subcases_total/failed"])
	assert.Equal(t, 1.0, got["callcheck_subcases_total/errored"])
	assert.Equal(t, 2.0, got["callcheck_subcase_duration_seconds"])
	assert.Equal(t, 1.0, got["callcheck_specs_total/failed"])
	assert.Equal(t, 2.0, got["callcheck_suite_duration_seconds"])
	assert.Equal(t, 1.0, got["callcheck_last_run_passed"], "an empty suite passes")
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveSpec(report.Spec{Status: report.StatusPassed})
	path := filepath.Join(t.TempDir(), "callcheck.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `callcheck_specs_total{status="passed"} 1`)
	assert.Contains(t, string(data), "# HELP callcheck_specs_total")
}
