package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics covers the per-session billing meters. All methods accept a
// nil receiver so tests can run meters without a registry.
type BillingMetrics struct {
	Ticks         *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	AmountCharged prometheus.Counter
	Commission    prometheus.Counter
	ActiveMeters  prometheus.Gauge
	BreakerState  prometheus.Gauge
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "ticks_total",
			Help:      "Billing ticks by result (charged, replayed, paused, insufficient, failed).",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "tick_duration_seconds",
			Help:      "Time spent applying a billing tick to the ledger.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		AmountCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "charged_minor_units_total",
			Help:      "Minor currency units debited from payers.",
		}),
		Commission: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "commission_minor_units_total",
			Help:      "Minor currency units retained as platform commission.",
		}),
		ActiveMeters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "active_meters",
			Help:      "Billing loops running on this instance.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "ledger_breaker_state",
			Help:      "Ledger circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Ticks, m.TickDuration, m.AmountCharged, m.Commission, m.ActiveMeters, m.BreakerState)
	return m
}

func (m *BillingMetrics) ObserveTick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(result).Inc()
	if d > 0 {
		m.TickDuration.Observe(d.Seconds())
	}
}

func (m *BillingMetrics) AddCharge(amount, commission int64) {
	if m == nil {
		return
	}
	m.AmountCharged.Add(float64(amount))
	m.Commission.Add(float64(commission))
}

func (m *BillingMetrics) MeterStarted() {
	if m != nil {
		m.ActiveMeters.Inc()
	}
}

func (m *BillingMetrics) MeterStopped() {
	if m != nil {
		m.ActiveMeters.Dec()
	}
}

func (m *BillingMetrics) SetBreakerState(state int) {
	if m != nil {
		m.BreakerState.Set(float64(state))
	}
}
