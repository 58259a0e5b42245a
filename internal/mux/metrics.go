package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sheerbytes/fetchmux/internal/engine"
)

// Metrics tracks multiplexer loop activity.
//
// All metrics use the fetchmux_ prefix. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Iterations counts completed loop iterations
	Iterations prometheus.Counter

	// Operations counts drained queue operations by kind (add, remove, delete)
	Operations *prometheus.CounterVec

	// RunningTransfers is the engine's running count after the last drive step
	RunningTransfers prometheus.Gauge

	// Completions counts finished transfers by result
	Completions *prometheus.CounterVec

	// PollErrors counts failed readiness waits
	PollErrors prometheus.Counter

	// ForcedEOF counts in-progress messages turned into end-of-transfer because
	// nothing was running. Repeated increments point at an engine problem.
	ForcedEOF prometheus.Counter
}

// NewMetrics creates multiplexer metrics and registers them with reg.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchmux_loop_iterations_total",
			Help: "Total multiplexer loop iterations",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchmux_operations_total",
			Help: "Queued operations applied by the loop, by kind",
		}, []string{"op"}),
		RunningTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetchmux_running_transfers",
			Help: "Transfers still running after the last drive step",
		}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchmux_completions_total",
			Help: "Completion messages harvested, by result",
		}, []string{"result"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchmux_poll_errors_total",
			Help: "Readiness waits that returned an error",
		}),
		ForcedEOF: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchmux_forced_eof_total",
			Help: "In-progress messages treated as end of transfer because nothing was running",
		}),
	}

	reg.MustRegister(
		m.Iterations,
		m.Operations,
		m.RunningTransfers,
		m.Completions,
		m.PollErrors,
		m.ForcedEOF,
	)
	return m
}

func (m *Metrics) recordIteration(running int) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.RunningTransfers.Set(float64(running))
}

func (m *Metrics) recordOps(adds, removes, deletes int) {
	if m == nil {
		return
	}
	if adds > 0 {
		m.Operations.WithLabelValues("add").Add(float64(adds))
	}
	if removes > 0 {
		m.Operations.WithLabelValues("remove").Add(float64(removes))
	}
	if deletes > 0 {
		m.Operations.WithLabelValues("delete").Add(float64(deletes))
	}
}

func (m *Metrics) recordCompletion(code engine.Code) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) recordPollError() {
	if m == nil {
		return
	}
	m.PollErrors.Inc()
}

func (m *Metrics) recordForcedEOF() {
	if m == nil {
		return
	}
	m.ForcedEOF.Inc()
}
