// Package metrics exposes flow and notary counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is shared by every node in a process; series are labelled by node.
// A nil *Metrics records nothing.
type Metrics struct {
	Registry       *prometheus.Registry
	transitions    *prometheus.CounterVec
	runs           *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	notaryRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artledger_run_transitions_total",
			Help: "Flow state transitions by node, role and target state.",
		}, []string{"node", "role", "state"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artledger_runs_total",
			Help: "Finished flow runs by node, role and terminal state.",
		}, []string{"node", "role", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artledger_run_duration_seconds",
			Help:    "Wall time from run start to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role", "outcome"}),
		notaryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artledger_notary_requests_total",
			Help: "Finality requests by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(m.transitions, m.runs, m.duration, m.notaryRequests)
	return m
}

func (m *Metrics) Transition(node, role, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(node, role, state).Inc()
}

func (m *Metrics) Finished(node, role, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(node, role, outcome).Inc()
	m.duration.WithLabelValues(role, outcome).Observe(elapsed.Seconds())
}

// Notary counts a finality request; result is accepted, rejected or error.
func (m *Metrics) Notary(result string) {
	if m == nil {
		return
	}
	m.notaryRequests.WithLabelValues(result).Inc()
}
