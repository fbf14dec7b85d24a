// Package metrics provides Prometheus metrics collection for rdmamon.
//
// The package exposes metrics at /metrics on the admin listener for monitoring:
//
// Message Metrics:
//   - rdmamon_messages_total: Messages surfaced to the application
//   - rdmamon_message_bytes_total: Total payload bytes received
//   - rdmamon_message_size_bytes: Payload size histogram
//
// Receive Path Metrics:
//   - rdmamon_completions_total: Work completions by status
//   - rdmamon_rearms_total: Receive buffers posted back to the queue
//   - rdmamon_pool_exhausted_total: Completions handled with no free buffer
//   - rdmamon_stale_completions_total: Completions dropped as unroutable or stale
//
// Lifecycle Metrics:
//   - rdmamon_monitors_running: Monitor loops currently active
//   - rdmamon_connection_errors_total: Fatal connection errors by reason
//
// Use with Prometheus and Grafana for monitoring dashboards.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CompletionsTotal counts work completions by status name
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmamon_completions_total",
			Help: "Total work completions observed, by completion status",
		},
		[]string{"status"},
	)

	// MessagesTotal counts messages surfaced to the application
	MessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_messages_total",
			Help: "Total messages surfaced to the application",
		},
	)

	// MessageBytesTotal counts total payload bytes received
	MessageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_message_bytes_total",
			Help: "Total payload bytes received",
		},
	)

	// MessageSizeBytes tracks the payload size distribution
	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmamon_message_size_bytes",
			Help:    "Distribution of received payload sizes",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		},
	)

	// RearmsTotal counts receive buffers posted back to the queue
	RearmsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_rearms_total",
			Help: "Total receive buffers armed or re-armed",
		},
	)

	// PoolExhaustedTotal counts completions handled with no free buffer
	PoolExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_pool_exhausted_total",
			Help: "Total completions handled while the buffer pool was exhausted",
		},
	)

	// StaleCompletionsTotal counts completions dropped as stale or unroutable
	StaleCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_stale_completions_total",
			Help: "Total completions dropped because no live buffer or connection matched",
		},
	)

	// MalformedLengthTotal counts immediate lengths clamped to buffer capacity
	MalformedLengthTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_malformed_length_total",
			Help: "Total messages whose advertised length exceeded buffer capacity",
		},
	)

	// TransientErrorsTotal counts non-fatal completion errors that were skipped
	TransientErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_transient_errors_total",
			Help: "Total completion errors treated as transient and skipped",
		},
	)

	// ConnectionErrorsTotal counts fatal connection errors by reason
	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmamon_connection_errors_total",
			Help: "Total fatal connection errors by reason",
		},
		[]string{"reason"},
	)

	// MonitorsRunning tracks monitor loops currently active
	MonitorsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmamon_monitors_running",
			Help: "Number of monitor loops currently running",
		},
	)

	// ActiveConnections tracks monitored connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmamon_active_connections",
			Help: "Number of connections currently monitored",
		},
	)

	// EventWakeupsTotal counts completion channel wakeups in event mode
	EventWakeupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_event_wakeups_total",
			Help: "Total completion channel wakeups in event mode",
		},
	)

	// EmptyPollsTotal counts polls that returned no completions
	EmptyPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_empty_polls_total",
			Help: "Total completion queue polls that returned nothing",
		},
	)

	// JournalRecordsTotal counts records appended to the message journal
	JournalRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_journal_records_total",
			Help: "Total records appended to the message journal",
		},
	)

	// JournalBytesTotal counts compressed payload bytes written to the journal
	JournalBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_journal_bytes_total",
			Help: "Total compressed payload bytes written to the journal",
		},
	)

	// JournalErrorsTotal counts failed journal operations
	JournalErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_journal_errors_total",
			Help: "Total failed journal operations",
		},
	)

	// DemoWritesTotal counts writes issued by the demo traffic generator
	DemoWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmamon_demo_writes_total",
			Help: "Total RDMA writes issued by the demo traffic generator",
		},
	)

	// NodeInfo provides information about this node
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmamon_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// RecordCompletion records one work completion with its status name
func RecordCompletion(status string) {
	CompletionsTotal.WithLabelValues(status).Inc()
}

// RecordMessage records a surfaced message and its payload size
func RecordMessage(bytes int) {
	MessagesTotal.Inc()
	MessageBytesTotal.Add(float64(bytes))
	MessageSizeBytes.Observe(float64(bytes))
}

// RecordRearm records a receive buffer being armed
func RecordRearm() {
	RearmsTotal.Inc()
}

// RecordPoolExhausted records a completion handled under pool exhaustion
func RecordPoolExhausted() {
	PoolExhaustedTotal.Inc()
}

// RecordStaleCompletion records a dropped stale or unroutable completion
func RecordStaleCompletion() {
	StaleCompletionsTotal.Inc()
}

// RecordMalformedLength records an advertised length clamped to capacity
func RecordMalformedLength() {
	MalformedLengthTotal.Inc()
}

// RecordTransientError records a completion error skipped as transient
func RecordTransientError() {
	TransientErrorsTotal.Inc()
}

// RecordConnectionError records a fatal connection error
func RecordConnectionError(reason string) {
	ConnectionErrorsTotal.WithLabelValues(reason).Inc()
}

// IncrementActiveConnections increments the monitored connection gauge
func IncrementActiveConnections() {
	ActiveConnections.Inc()
}

// DecrementActiveConnections decrements the monitored connection gauge
func DecrementActiveConnections() {
	ActiveConnections.Dec()
}

// RecordEventWakeup records a completion channel wakeup
func RecordEventWakeup() {
	EventWakeupsTotal.Inc()
}

// AddEmptyPolls adds to the empty poll counter
func AddEmptyPolls(n int64) {
	EmptyPollsTotal.Add(float64(n))
}

// RecordJournalAppend records a journal append with its compressed size
func RecordJournalAppend(compressedBytes int) {
	JournalRecordsTotal.Inc()
	JournalBytesTotal.Add(float64(compressedBytes))
}

// RecordJournalError records a failed journal operation
func RecordJournalError() {
	JournalErrorsTotal.Inc()
}

// RecordDemoWrite records a write issued by the demo traffic generator
func RecordDemoWrite() {
	DemoWritesTotal.Inc()
}
