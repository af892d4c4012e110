package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting gateway metrics.
//
// It tracks:
//   - websocket connections and correlated request outcomes
//   - chat turns and their duration
//   - tool calls by tool, kind (builtin|mcp) and status
//   - tool cache refreshes and embedding volume
//   - tool selection outcomes
//   - stream events written to peers
//
// All helper methods are safe to call on a nil *Metrics.
type Metrics struct {
	// ActiveConnections is a gauge of open websocket connections.
	ActiveConnections prometheus.Gauge

	// RequestCounter counts correlated requests by outcome.
	// Labels: outcome (resolved|timeout|cancelled)
	RequestCounter *prometheus.CounterVec

	// TurnCounter counts chat turns by final status.
	// Labels: status (complete|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures chat turn latency in seconds.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	TurnDuration prometheus.Histogram

	// ToolCallCounter counts tool invocations.
	// Labels: tool, kind (builtin|mcp), status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: kind
	ToolCallDuration *prometheus.HistogramVec

	// CacheRefreshCounter counts tool cache refreshes.
	// Labels: status (refreshed|degraded)
	CacheRefreshCounter *prometheus.CounterVec

	// CacheEmbedded counts descriptors embedded into the durable cache.
	CacheEmbedded prometheus.Counter

	// CacheReused counts descriptors served from the durable cache.
	CacheReused prometheus.Counter

	// SelectionCounter counts tool selections.
	// Labels: status (found|fallback|not_found|degraded)
	SelectionCounter *prometheus.CounterVec

	// StreamEvents counts events written to peers.
	// Labels: type (start|content_part_start|text_chunk|end|log)
	StreamEvents *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg.
// Passing nil registers with the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_ws_connections_active",
			Help: "Number of open websocket connections",
		}),
		RequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_requests_total",
			Help: "Correlated requests sent to peers by outcome",
		}, []string{"outcome"}),
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_turns_total",
			Help: "Chat turns by final status",
		}, []string{"status"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_turn_duration_seconds",
			Help:    "Duration of chat turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_calls_total",
			Help: "Tool calls by tool, kind and status",
		}, []string{"tool", "kind", "status"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_call_duration_seconds",
			Help:    "Duration of tool calls in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"kind"}),
		CacheRefreshCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_cache_refresh_total",
			Help: "Tool cache refreshes by status",
		}, []string{"status"}),
		CacheEmbedded: factory.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_cache_embedded_total",
			Help: "Tool descriptors embedded into the durable cache",
		}),
		CacheReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_cache_reused_total",
			Help: "Tool descriptors served from the durable cache",
		}),
		SelectionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_selection_total",
			Help: "Tool selections by status",
		}, []string{"status"}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_stream_events_total",
			Help: "Stream events written to peers by type",
		}, []string{"type"}),
	}
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordRequest records the outcome of a correlated request.
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(outcome).Inc()
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// RecordToolCall records a finished tool call.
func (m *Metrics) RecordToolCall(tool, kind string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolCallCounter.WithLabelValues(tool, kind, status).Inc()
	m.ToolCallDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRefresh records a tool cache refresh.
func (m *Metrics) RecordRefresh(status string, embedded, reused int) {
	if m == nil {
		return
	}
	m.CacheRefreshCounter.WithLabelValues(status).Inc()
	m.CacheEmbedded.Add(float64(embedded))
	m.CacheReused.Add(float64(reused))
}

// RecordSelection records a tool selection outcome.
func (m *Metrics) RecordSelection(status string) {
	if m == nil {
		return
	}
	m.SelectionCounter.WithLabelValues(status).Inc()
}

// RecordStreamEvent records an event written to a peer.
func (m *Metrics) RecordStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}
