package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPTransport speaks the streamable HTTP transport: every message is a POST
// and the server answers either with a JSON body or with a short SSE stream
// carrying the response.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	sessionMu sync.RWMutex
	sessionID string

	connected atomic.Bool
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(cfg *ServerConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger.With("mcp_server", cfg.ID, "transport", "http"),
		client: &http.Client{Timeout: cfg.callTimeout()},
	}
}

// Connect marks the transport ready. The initialize handshake is done by the client.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for HTTP transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.connected.Store(true)
	t.logger.Info("HTTP transport ready", "url", t.config.URL)
	return nil
}

// Close ends the server-side session when one was issued.
func (t *HTTPTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	session := t.session()
	if session == "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodDelete, t.config.URL, nil)
	if err != nil {
		return nil
	}
	t.setHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", "error", err)
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	paramsJSON, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.NewString()
	resp, err := t.post(ctx, JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rpcResp, err := t.readResponse(resp, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	paramsJSON, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	resp, err := t.post(ctx, JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Connected returns whether the transport is connected.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if session := resp.Header.Get(sessionHeader); session != "" {
		t.sessionMu.Lock()
		t.sessionID = session
		t.sessionMu.Unlock()
	}
	return resp, nil
}

func (t *HTTPTransport) setHeaders(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if session := t.session(); session != "" {
		req.Header.Set(sessionHeader, session)
	}
}

func (t *HTTPTransport) session() string {
	t.sessionMu.RLock()
	defer t.sessionMu.RUnlock()
	return t.sessionID
}

// readResponse decodes a JSON body or scans an SSE stream for the response
// carrying id. Other SSE messages are logged and skipped.
func (t *HTTPTransport) readResponse(resp *http.Response, id string) (*JSONRPCResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		var rpcResp JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpcResp, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)
	var data strings.Builder
	flush := func() (*JSONRPCResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var rpcResp JSONRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &rpcResp); err != nil {
			t.logger.Debug("skipping malformed SSE event", "error", err)
			return nil, false
		}
		if got, ok := rpcResp.ID.(string); !ok || got != id {
			t.logger.Debug("skipping SSE event", "id", rpcResp.ID)
			return nil, false
		}
		return &rpcResp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if rpcResp, ok := flush(); ok {
				return rpcResp, nil
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(value, " "))
		}
	}
	if rpcResp, ok := flush(); ok {
		return rpcResp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
