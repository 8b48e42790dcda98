package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the custom metrics for the service
type Metrics struct {
	Connections        *prometheus.GaugeVec     // active WebSocket connections
	Subscriptions      *prometheus.GaugeVec     // active (connection, call) subscriptions
	MessagesSent       *prometheus.CounterVec   // outbound messages by type
	DuplicatesSkipped  *prometheus.CounterVec   // turns suppressed by the cursor gate, by delivery path
	SendFailures       *prometheus.CounterVec   // sends that dropped a connection
	PollTicks          *prometheus.CounterVec   // polling fallback ticks by outcome
	BroadcastDuration  *prometheus.HistogramVec // fan-out duration by message type
}
