// Package metrics groups the Prometheus instruments newsdesk exports.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all instruments. A nil *Metrics records nothing.
type Metrics struct {
	Confirmations   *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	TurnDuration    prometheus.Histogram
	ActiveWorkers   prometheus.Gauge
	PendingActions  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the instruments on reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction never collides.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation gate transitions by outcome.",
		}, []string{"outcome"}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Operation invocations by tool and success.",
		}, []string{"tool", "success"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to handle one inbound event, decision included.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Per-conversation dispatcher workers currently alive.",
		}),
		PendingActions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Pending actions awaiting approval, sampled on change.",
		}),
		gatherer: reg,
	}
}

// Confirmation counts a gate outcome.
func (m *Metrics) Confirmation(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

// ToolInvoked counts an invocation.
func (m *Metrics) ToolInvoked(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// ObserveTurn records the duration of one handled event.
func (m *Metrics) ObserveTurn(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(d.Seconds())
}

// WorkerStarted and WorkerStopped track dispatcher workers.
func (m *Metrics) WorkerStarted() {
	if m != nil {
		m.ActiveWorkers.Inc()
	}
}

func (m *Metrics) WorkerStopped() {
	if m != nil {
		m.ActiveWorkers.Dec()
	}
}

// SetPending records the number of stored pending actions.
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingActions.Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
