package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// WebsocketOptions tunes a WebsocketTransport. Zero values take the
// defaults; negative durations disable the keepalive.
type WebsocketOptions struct {
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// WebsocketTransport adapts a gorilla websocket connection to Transport.
type WebsocketTransport struct {
	conn *websocket.Conn
	opts WebsocketOptions

	writeMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport wraps conn and starts its keepalive pings.
func NewWebsocketTransport(conn *websocket.Conn, opts WebsocketOptions) *WebsocketTransport {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = wsMaxPayloadBytes
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = wsPingInterval
	}
	if opts.PongWait == 0 {
		opts.PongWait = wsPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = wsWriteWait
	}

	t := &WebsocketTransport{conn: conn, opts: opts, stop: make(chan struct{})}

	conn.SetReadLimit(opts.ReadLimit)
	if opts.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}
	if opts.PingInterval > 0 {
		go t.pingLoop()
	}
	return t
}

// ReadMessage returns the next text or binary message.
func (t *WebsocketTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if t.opts.PongWait > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait)) //nolint:errcheck
		}
		return data, nil
	}
}

// WriteMessage writes data as one text message.
func (t *WebsocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait)) //nolint:errcheck
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection. It is idempotent.
func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *WebsocketTransport) pingLoop() {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteWait)); err != nil {
				return
			}
		}
	}
}
