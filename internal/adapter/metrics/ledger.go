package metrics

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics covers wallet top-ups and the periodic ledger audit.
type LedgerMetrics struct {
	Topups        prometheus.Counter
	AuditRuns     *prometheus.CounterVec
	DriftedWallet prometheus.Gauge
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		Topups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "topups_total",
			Help:      "Wallet credits applied by operators.",
		}),
		AuditRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "audit_runs_total",
			Help:      "Ledger audit runs by result (clean, drift, error, skipped).",
		}, []string{"result"}),
		DriftedWallet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "drifted_wallets",
			Help:      "Wallets whose balance disagreed with the ledger in the last audit.",
		}),
	}

	reg.MustRegister(m.Topups, m.AuditRuns, m.DriftedWallet)
	return m
}

func (m *LedgerMetrics) Topup() {
	if m != nil {
		m.Topups.Inc()
	}
}

func (m *LedgerMetrics) Audit(result string, drifted int) {
	if m == nil {
		return
	}
	m.AuditRuns.WithLabelValues(result).Inc()
	if result != "error" && result != "skipped" {
		m.DriftedWallet.Set(float64(drifted))
	}
}
