// Package metrics owns the Prometheus collectors for every adapter. Each
// group is a small struct with nil-safe recording methods, so callers that
// run without a registry (CLI, tests) can pass nil.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pscheid92/consultline/internal/platform/version"
)

const namespace = "consultline"

// NewRegistry builds the process registry: runtime collectors plus a
// constant build_info gauge identifying this binary and instance.
func NewRegistry(info version.Info) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Always 1; labels describe the running build.",
		ConstLabels: prometheus.Labels{
			"version":     info.Version,
			"commit":      info.Commit,
			"go_version":  info.GoVersion,
			"instance_id": info.InstanceID,
		},
	})
	buildInfo.Set(1)
	reg.MustRegister(buildInfo)

	return reg
}

type slogErrorLogger struct{}

func (slogErrorLogger) Println(v ...any) {
	slog.Warn("Metrics scrape failed", "error", v)
}

// Handler serves the registry in the Prometheus exposition format. Collector
// errors are logged and the remaining metrics are still served.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:            slogErrorLogger{},
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: 4,
		Registry:            reg,
	})
}
