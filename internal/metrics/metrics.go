// Package metrics counts what a verification run did: subcases and specs by
// status, solver outcomes and subcase durations. Metrics live on a private
// registry and are written out in the node-exporter textfile format when a
// run ends.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"callcheck/internal/report"
	"callcheck/internal/solver"
)

const namespace = "callcheck"

// Solver outcome labels.
const (
	OutcomeSat         = "sat"
	OutcomeUnsat       = "unsat"
	OutcomeExhausted   = "exhausted"
	OutcomeStateLimit  = "state_limit"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
	OutcomeSolverError = "error"
)

// Metrics is a set of collectors bound to one registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	subcases        *prometheus.CounterVec
	specs           *prometheus.CounterVec
	solverQueries   *prometheus.CounterVec
	subcaseDuration *prometheus.HistogramVec
	suiteDuration   prometheus.Gauge
	lastRunPassed   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		subcases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subcases_total",
			Help:      "Subcases run, by spec and status.",
		}, []string{"spec", "status"}),
		specs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "specs_total",
			Help:      "Specs verified, by status.",
		}, []string{"status"}),
		solverQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "queries_total",
			Help:      "Solver queries, by constraint kind and outcome.",
		}, []string{"constraint", "outcome"}),
		subcaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subcase_duration_seconds",
			Help:      "Wall time of one sandboxed invocation.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"spec"}),
		suiteDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suite_duration_seconds",
			Help:      "Wall time of the last suite run.",
		}),
		lastRunPassed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_passed",
			Help:      "1 when the last suite run passed, else 0.",
		}),
	}
}

// Registry exposes the underlying registry, for serving or gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSubcase records one finished subcase.
func (m *Metrics) ObserveSubcase(spec string, sc report.Subcase) {
	if m == nil {
		return
	}
	m.subcases.WithLabelValues(spec, string(sc.Status)).Inc()
	if sc.Status != report.StatusErrored && sc.Status != report.StatusSkipped {
		m.subcaseDuration.WithLabelValues(spec).Observe(sc.Duration.Seconds())
	}
}

// ObserveSpec records one finished spec.
func (m *Metrics) ObserveSpec(sp report.Spec) {
	if m == nil {
		return
	}
	m.specs.WithLabelValues(string(sp.Status)).Inc()
}

// ObserveSuite records the end of a run.
func (m *Metrics) ObserveSuite(s *report.Suite) {
	if m == nil {
		return
	}
	m.suiteDuration.Set(s.Duration.Seconds())
	if s.Passed() {
		m.lastRunPassed.Set(1)
	} else {
		m.lastRunPassed.Set(0)
	}
}

// ObserveSolver records the outcome of one solver query.
func (m *Metrics) ObserveSolver(q solver.Query, err error) {
	if m == nil {
		return
	}
	kind := "regex"
	if q.Constraint.Int != nil {
		kind = "int"
	}
	m.solverQueries.WithLabelValues(kind, Outcome(err)).Inc()
}

// Outcome maps a Sampler error to its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSat
	case errors.Is(err, solver.ErrUnsatisfiable):
		return OutcomeUnsat
	case errors.Is(err, solver.ErrExhausted):
		return OutcomeExhausted
	case errors.Is(err, solver.ErrStateLimit):
		return OutcomeStateLimit
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	}
	return OutcomeSolverError
}

// InstrumentSampler wraps s so that every query is counted.
func (m *Metrics) InstrumentSampler(s solver.Sampler) solver.Sampler {
	if m == nil {
		return s
	}
	return &instrumented{next: s, m: m}
}

type instrumented struct {
	next solver.Sampler
	m    *Metrics
}

func (i *instrumented) Sample(ctx context.Context, q solver.Query) (string, error) {
	v, err := i.next.Sample(ctx, q)
	i.m.ObserveSolver(q, err)
	return v, err
}

// WriteTextfile writes every metric to path in the text exposition format,
// replacing the file atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Sample is one gathered series, flattened for tests and summaries.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Gather flattens the registry into samples. Histograms report their
// observation count.
func (m *Metrics) Gather() ([]Sample, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			out = append(out, Sample{
				Name:   mf.GetName(),
				Labels: labels(metric),
				Value:  value(mf.GetType(), metric),
			})
		}
	}
	return out, nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func value(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}
