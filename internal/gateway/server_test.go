package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/embeddings"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/providers"
	"github.com/haasonsaas/toolgate/internal/vectorindex/sqlite"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// echoProvider answers every request with the last user message.
type echoProvider struct {
	mu    sync.Mutex
	tools [][]string
}

func (p *echoProvider) Generate(_ context.Context, req *providers.Request) (<-chan *providers.Delta, error) {
	var names []string
	for _, t := range req.Tools {
		names = append(names, t.Name)
	}
	p.mu.Lock()
	p.tools = append(p.tools, names)
	p.mu.Unlock()

	last := ""
	for _, m := range req.Messages {
		if m.Role == models.RoleUser {
			last = m.Content
		}
	}
	ch := make(chan *providers.Delta, 2)
	ch <- &providers.Delta{Kind: providers.DeltaText, Text: "echo: " + last}
	ch <- &providers.Delta{Kind: providers.DeltaFinish, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *echoProvider) Name() string { return "echo" }

type staticInventory struct{}

func (staticInventory) ListTools(context.Context) ([]models.ToolDescriptor, error) {
	return []models.ToolDescriptor{{Name: "weather", Description: "Weather for a city"}}, nil
}

func (staticInventory) CallTool(context.Context, string, json.RawMessage) (string, error) {
	return "sunny", nil
}

type constantEmbedder struct{}

func (constantEmbedder) Embed(_ context.Context, texts []string, _ embeddings.Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (constantEmbedder) Name() string   { return "constant" }
func (constantEmbedder) Dimension() int { return 3 }

type testGateway struct {
	server   *Server
	http     *httptest.Server
	index    *sqlite.Index
	provider *echoProvider
	registry *prometheus.Registry
}

func newTestGateway(t *testing.T, solicit bool) *testGateway {
	t.Helper()
	idx, err := sqlite.New(sqlite.Config{Path: t.TempDir() + "/tools.db"})
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	cfg := config.Default()
	cfg.Agent.SolicitPrompts = &solicit
	cfg.LLM.Retry.Attempts = 1

	reg := prometheus.NewRegistry()
	provider := &echoProvider{}
	srv, err := NewServer(Options{
		Config:    cfg,
		Provider:  provider,
		Inventory: staticInventory{},
		Index:     idx,
		Embedder:  constantEmbedder{},
		Metrics:   observability.NewMetrics(reg),
		Gatherer:  reg,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return &testGateway{server: srv, http: ts, index: idx, provider: provider, registry: reg}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// readTurn reads stream events up to and including end.
func readTurn(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	var events []map[string]any
	for {
		ev := readJSON(t, conn)
		events = append(events, ev)
		if ev["type"] == "end" {
			return events
		}
	}
}

func expectPrompt(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := readJSON(t, conn)
	if msg["request_id"] != ConversationRequestID || msg["event"] != EventWaitingMessage {
		t.Fatalf("prompt = %v", msg)
	}
	payload, _ := msg["payload"].(map[string]any)
	if payload["message"] != "Waiting for a message" {
		t.Fatalf("prompt payload = %v", payload)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSolicitedConversation(t *testing.T) {
	g := newTestGateway(t, true)
	conn := g.dial(t)

	expectPrompt(t, conn)
	if err := conn.WriteJSON(map[string]any{
		"request_id": ConversationRequestID,
		"payload":    map[string]string{"message": "hello"},
	}); err != nil {
		t.Fatal(err)
	}

	events := readTurn(t, conn)
	if events[0]["type"] != "start" {
		t.Fatalf("first event = %v", events[0])
	}
	var text strings.Builder
	for _, ev := range events {
		if ev["type"] == "text_chunk" {
			text.WriteString(ev["text"].(string))
		}
		if ev["chatId"] == "" || ev["messageId"] == "" {
			t.Errorf("event without ids: %v", ev)
		}
	}
	if text.String() != "echo: hello" {
		t.Errorf("text = %q", text.String())
	}
	if end := events[len(events)-1]; end["status"] != "complete" {
		t.Errorf("end = %v", end)
	}

	g.provider.mu.Lock()
	tools := strings.Join(g.provider.tools[0], ",")
	g.provider.mu.Unlock()
	if tools != "weather,retrieve_tools,current_time" {
		t.Errorf("tools passed = %s", tools)
	}

	expectPrompt(t, conn)
	if err := conn.WriteJSON(map[string]any{
		"request_id": ConversationRequestID,
		"payload":    map[string]string{"message": "quit"},
	}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after quit")
	}
	waitFor(t, func() bool { return g.server.ActiveSessions() == 0 })

	names, err := g.index.Collections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "cached_tools" {
		t.Errorf("collections after session = %v, want only cached_tools", names)
	}
}

func TestPushedChatMessage(t *testing.T) {
	g := newTestGateway(t, false)
	conn := g.dial(t)

	if err := conn.WriteJSON(map[string]any{
		"chatId":  "chat-42",
		"payload": map[string]string{"message": "ping"},
	}); err != nil {
		t.Fatal(err)
	}

	events := readTurn(t, conn)
	for _, ev := range events {
		if ev["chatId"] != "chat-42" {
			t.Fatalf("chatId = %v", ev["chatId"])
		}
	}
	if end := events[len(events)-1]; end["status"] != "complete" {
		t.Errorf("end = %v", end)
	}
}

func TestStopClosesSessions(t *testing.T) {
	g := newTestGateway(t, true)
	conn := g.dial(t)
	expectPrompt(t, conn)
	waitFor(t, func() bool { return g.server.ActiveSessions() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.server.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := g.server.ActiveSessions(); n != 0 {
		t.Errorf("active sessions = %d", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g := newTestGateway(t, true)
	conn := g.dial(t)
	expectPrompt(t, conn)

	resp, err := http.Get(g.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != `{"status":"ok"}` {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(g.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "toolgate_ws_connections_active 1") {
		t.Errorf("metrics missing active connection gauge:\n%s", body)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewServer(Options{Config: config.Default()}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}
