package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the parkwatch server.
type Registry struct {
	Connections connectionMetrics
	Messages    messageMetrics
	Process     processMetrics
}

type connectionMetrics struct {
	Active    prometheus.Gauge
	Accepted  prometheus.Counter
	Evictions prometheus.Counter
}

type messageMetrics struct {
	Received       prometheus.Counter
	Sent           prometheus.Counter
	Broadcasts     prometheus.Counter
	WriteFailures  prometheus.Counter
	HeartbeatsSent prometheus.Counter
	UnknownKinds   prometheus.Counter
	RateLimited    prometheus.Counter
	ParseErrors    prometheus.Counter
	LedgerErrors   prometheus.Counter
}

type processMetrics struct {
	CPUPercent  prometheus.Gauge
	MemoryBytes prometheus.Gauge
}

// NewRegistry creates the Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		Connections: connectionMetrics{
			Active: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "parkwatch_connections_active",
				Help: "Current number of registered client connections",
			}),
			Accepted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_connections_accepted_total",
				Help: "Total number of client connections ever accepted",
			}),
			Evictions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_connections_evicted_total",
				Help: "Total number of connections evicted for repeated failures",
			}),
		},
		Messages: messageMetrics{
			Received: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_messages_received_total",
				Help: "Total number of frames received from clients",
			}),
			Sent: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_messages_sent_total",
				Help: "Total number of frames written to clients",
			}),
			Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_broadcasts_total",
				Help: "Total number of events fanned out to the registry",
			}),
			WriteFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_write_failures_total",
				Help: "Total number of per-connection write failures",
			}),
			HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_heartbeats_sent_total",
				Help: "Total number of heartbeat broadcasts",
			}),
			UnknownKinds: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_unknown_message_kinds_total",
				Help: "Total number of inbound frames with an unrecognized type",
			}),
			RateLimited: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_rate_limited_messages_total",
				Help: "Total number of inbound frames dropped by rate limiting",
			}),
			ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_parse_errors_total",
				Help: "Total number of inbound frames that failed to parse",
			}),
			LedgerErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "parkwatch_ledger_errors_total",
				Help: "Total number of ticket ledger persistence failures",
			}),
		},
		Process: processMetrics{
			CPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "parkwatch_process_cpu_percent",
				Help: "Process CPU usage percentage",
			}),
			MemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "parkwatch_process_memory_bytes",
				Help: "Process resident memory in bytes",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
