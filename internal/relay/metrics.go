package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	messages      *prometheus.CounterVec
	writes        prometheus.Counter
	broadcasts    prometheus.Counter
	rateLimited   prometheus.Counter
	tokens        prometheus.Counter
}

// newMetrics builds collectors on a private registry so several servers can
// live in one process.
func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldhq_connections",
			Help: "Number of open websocket connections.",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldhq_subscriptions",
			Help: "Number of live document and collection subscriptions.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldhq_messages_total",
			Help: "Envelopes received, by type and outcome.",
		}, []string{"type", "status"}),
		writes: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhq_document_writes_total",
			Help: "Document operations applied to the store.",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhq_snapshots_sent_total",
			Help: "Snapshots pushed to subscribers.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhq_rate_limited_total",
			Help: "Envelopes rejected by the per-connection rate limit.",
		}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldhq_tokens_issued_total",
			Help: "Anonymous session tokens issued.",
		}),
	}
}
