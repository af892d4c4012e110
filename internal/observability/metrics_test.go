package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ConnectionOpened()
	m.RecordRequest("resolved")
	m.RecordTurn("complete", 2*time.Second)
	m.RecordToolCall("search", "mcp", false, 10*time.Millisecond)
	m.RecordRefresh("refreshed", 3, 2)
	m.RecordSelection("found")
	m.RecordStreamEvent("start")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 11 {
		t.Errorf("expected 11 metric families, got %d", len(families))
	}
}

func TestMetrics_ToolCallStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordToolCall("search", "mcp", false, time.Millisecond)
	m.RecordToolCall("search", "mcp", true, time.Millisecond)
	m.RecordToolCall("retrieve_tools", "builtin", false, time.Millisecond)

	expected := `
		# HELP toolgate_tool_calls_total Tool calls by tool, kind and status
		# TYPE toolgate_tool_calls_total counter
		toolgate_tool_calls_total{kind="builtin",status="success",tool="retrieve_tools"} 1
		toolgate_tool_calls_total{kind="mcp",status="error",tool="search"} 1
		toolgate_tool_calls_total{kind="mcp",status="success",tool="search"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolCallCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetrics_Refresh(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRefresh("refreshed", 5, 0)
	m.RecordRefresh("refreshed", 0, 5)
	m.RecordRefresh("degraded", 0, 0)

	if got := testutil.ToFloat64(m.CacheEmbedded); got != 5 {
		t.Errorf("embedded = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.CacheReused); got != 5 {
		t.Errorf("reused = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.CacheRefreshCounter.WithLabelValues("degraded")); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RecordRequest("timeout")
	m.RecordTurn("error", time.Second)
	m.RecordToolCall("x", "mcp", true, time.Second)
	m.RecordRefresh("degraded", 0, 0)
	m.RecordSelection("degraded")
	m.RecordStreamEvent("end")
}
