package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics covers consultation lifecycle transitions.
type SessionMetrics struct {
	Transitions *prometheus.CounterVec
	EndReasons  *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Reaped      *prometheus.CounterVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target status.",
		}, []string{"status"}),
		EndReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Ended sessions by end reason.",
		}, []string{"reason"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "billed_seconds",
			Help:      "Billed talk time of ended sessions.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}, []string{"kind"}),
		Reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Sessions handled by the reaper by action (adopted, ended, missed).",
		}, []string{"action"}),
	}

	reg.MustRegister(m.Transitions, m.EndReasons, m.Duration, m.Reaped)
	return m
}

func (m *SessionMetrics) Transition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

func (m *SessionMetrics) Ended(kind, reason string, billed time.Duration) {
	if m == nil {
		return
	}
	m.EndReasons.WithLabelValues(reason).Inc()
	m.Duration.WithLabelValues(kind).Observe(billed.Seconds())
}

func (m *SessionMetrics) Reap(action string) {
	if m != nil {
		m.Reaped.WithLabelValues(action).Inc()
	}
}
