// Package metrics exposes Prometheus collectors for the combination
// lifecycle. Each Metrics owns its registry so that tests and multiple
// CLI invocations in one process never collide on registration.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gtfsbatch"

// Metrics holds every collector recorded by the batch components.
type Metrics struct {
	registry *prometheus.Registry

	registrations  *prometheus.CounterVec
	repairs        *prometheus.CounterVec
	admissions     *prometheus.CounterVec
	activeSlots    prometheus.Gauge
	dispatches     *prometheus.CounterVec
	finished       *prometheus.CounterVec
	processSeconds prometheus.Histogram
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registrar",
				Name:      "outcomes_total",
				Help:      "Count of registration outcomes by kind.",
			},
			[]string{"outcome"},
		),
		repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweeper",
				Name:      "repairs_total",
				Help:      "Count of inconsistent records repaired by action and reason.",
			},
			[]string{"action", "reason"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capacity",
				Name:      "acquire_total",
				Help:      "Count of capacity acquisitions by result.",
			},
			[]string{"result"},
		),
		activeSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "capacity",
				Name:      "active_executions",
				Help:      "Last observed number of in-flight executions.",
			},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "results_total",
				Help:      "Count of dispatch attempts by result.",
			},
			[]string{"result"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "finished_total",
				Help:      "Count of combinations that reached a terminal status.",
			},
			[]string{"status"},
		),
		processSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "process_duration_seconds",
				Help:      "Wall-clock time from preprocessing to a terminal status.",
				Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
	}

	m.registry.MustRegister(
		m.registrations,
		m.repairs,
		m.admissions,
		m.activeSlots,
		m.dispatches,
		m.finished,
		m.processSeconds,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRegistration counts one registrar outcome.
func (m *Metrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// RecordRepair counts one sweeper repair.
func (m *Metrics) RecordRepair(action, reason string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(action, reason).Inc()
}

// RecordAcquire counts a capacity acquisition and records the counter it saw.
func (m *Metrics) RecordAcquire(granted bool, active int64) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.admissions.WithLabelValues(result).Inc()
	m.activeSlots.Set(float64(active))
}

// SetActive records the in-flight count observed after a release or reconcile.
func (m *Metrics) SetActive(active int64) {
	if m == nil {
		return
	}
	m.activeSlots.Set(float64(active))
}

// RecordDispatch counts one dispatch attempt.
func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

// RecordFinished counts a terminal status and the time it took to reach it.
func (m *Metrics) RecordFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
	if seconds >= 0 {
		m.processSeconds.Observe(seconds)
	}
}
