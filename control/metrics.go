package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vea",
			Subsystem: "control",
			Name:      "messages_total",
			Help:      "Total control-channel messages handled, by type and status.",
		},
		[]string{"type", "status"},
	)

	liveAppsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vea",
			Subsystem: "lifecycle",
			Name:      "live_apps",
			Help:      "Current number of applications with a Live Handle.",
		},
	)

	consoleSubscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vea",
			Subsystem: "control",
			Name:      "console_subscribers",
			Help:      "Current number of attached console_subscribe streams.",
		},
	)
)

func init() {
	registry.MustRegister(
		messagesTotal,
		liveAppsGauge,
		consoleSubscribersGauge,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// metricsHandler exposes the registered Prometheus collectors.
func metricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
