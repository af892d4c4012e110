package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer upgrades connections and echoes messages back through a
// WebsocketTransport. serverErr receives the error that ended the session.
func echoServer(t *testing.T, opts WebsocketOptions) (url string, serverErr <-chan error) {
	t.Helper()
	errc := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errc <- err
			return
		}
		tr := NewWebsocketTransport(conn, opts)
		defer tr.Close()
		for {
			data, err := tr.ReadMessage(r.Context())
			if err != nil {
				errc <- err
				return
			}
			if err := tr.WriteMessage(r.Context(), data); err != nil {
				errc <- err
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), errc
}

func dial(t *testing.T, url string, opts WebsocketOptions) *WebsocketTransport {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebsocketTransport(conn, opts)
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	url, serverErr := echoServer(t, WebsocketOptions{PingInterval: 10 * time.Millisecond})
	client := dial(t, url, WebsocketOptions{PingInterval: -1, PongWait: -1})

	ctx := context.Background()
	for _, msg := range []string{`{"request_id":"a"}`, `{"chatId":"c"}`} {
		if err := client.WriteMessage(ctx, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		got, err := client.ReadMessage(ctx)
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if string(got) != msg {
			t.Errorf("echo = %q, want %q", got, msg)
		}
	}

	// Let a few server pings pass; the client answers them while reading.
	time.Sleep(50 * time.Millisecond)
	if err := client.WriteMessage(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("WriteMessage() after pings error = %v", err)
	}
	if _, err := client.ReadMessage(ctx); err != nil {
		t.Fatalf("ReadMessage() after pings error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	_ = client.Close()

	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe close")
	}
}

func TestWebsocketTransportReadLimit(t *testing.T) {
	url, serverErr := echoServer(t, WebsocketOptions{ReadLimit: 16, PingInterval: -1})
	client := dial(t, url, WebsocketOptions{PingInterval: -1, PongWait: -1})
	defer client.Close()

	if err := client.WriteMessage(context.Background(), []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	select {
	case err := <-serverErr:
		if err == nil {
			t.Fatal("expected read limit error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oversized message was not rejected")
	}
}

func TestChannelOverWebsocket(t *testing.T) {
	url, serverErr := echoServer(t, WebsocketOptions{PingInterval: -1})
	client := dial(t, url, WebsocketOptions{PingInterval: -1, PongWait: -1})

	// The echo server reflects the request back, which carries the same
	// request_id and so resolves it.
	ch := New(Config{Transport: client})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- ch.Run(ctx) }()

	resp, err := ch.SendRequest(ctx, "waiting_message", MessagePayload{Message: "Waiting for a message"},
		WithID("conversation"), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Outcome != Resolved || resp.Reply.RequestID != "conversation" || resp.Reply.Message() != "Waiting for a message" {
		t.Errorf("SendRequest() = %+v", resp)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe close")
	}
}
