package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the connection hub, scraped from /metrics.
var (
	// Connection lifecycle
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_active",
		Help: "Current number of active connections",
	})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_connections_total",
		Help: "Total number of connections ever admitted",
	})

	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_connections_rejected_total",
		Help: "Total number of connections rejected by admission control",
	})

	IdleTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_idle_timeouts_total",
		Help: "Total number of connections closed by the idle reaper",
	})

	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_heartbeat_failures_total",
		Help: "Total number of connections pruned after a failed heartbeat probe",
	})

	TransportFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_transport_failures_total",
		Help: "Total number of connections removed after a transport send failure",
	})

	MemoryViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_memory_violations_total",
		Help: "Total number of per-connection memory estimate violations",
	})

	// Messages
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_rate_limited_messages_total",
		Help: "Total number of inbound messages dropped by rate limiting",
	})

	// Broadcast fan-out
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_broadcasts_total",
		Help: "Total number of broadcast events fanned out",
	})

	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_broadcast_failures_total",
		Help: "Total number of per-recipient broadcast delivery failures",
	})

	// Resource accounting
	MemoryEstimateTotalMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_memory_estimate_total_mb",
		Help: "Sum of per-connection memory estimates in MB",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_process_memory_bytes",
		Help: "Resident memory of the hub process in bytes",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_process_cpu_percent",
		Help: "CPU usage of the hub process in percent",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsRejected,
		IdleTimeouts,
		HeartbeatFailures,
		TransportFailures,
		MemoryViolations,
		MessagesSent,
		MessagesReceived,
		RateLimitedMessages,
		BroadcastsTotal,
		BroadcastFailures,
		MemoryEstimateTotalMB,
		ProcessMemoryBytes,
		ProcessCPUPercent,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
