package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const maxStdioLine = 1024 * 1024

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC messages over its stdin and stdout.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("mcp_server", cfg.ID, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		stopChan: make(chan struct{}),
	}
}

// Connect starts the subprocess and begins reading its output.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	// The subprocess outlives the connect context; Close kills it.
	t.process = exec.Command(t.config.Command, t.config.Args...) // #nosec G204 -- command comes from validated operator config
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.attach(stdout, stdin)

	t.wg.Add(1)
	go t.logStderr(stderr)

	if err := ctx.Err(); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

// attach wires the transport to an already-running peer.
func (t *StdioTransport) attach(r io.Reader, w io.WriteCloser) {
	t.stdin = w
	t.connected.Store(true)
	t.wg.Add(1)
	go t.readLoop(r)
}

// Close stops the subprocess and fails every pending call.
func (t *StdioTransport) Close() error {
	t.stopOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)

		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
			_ = t.process.Wait()
		}
	})
	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	paramsJSON, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := t.nextID.Add(1)
	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeMessage(JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(t.config.callTimeout())
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timeout after %v", method, t.config.callTimeout())
	case <-t.stopChan:
		return nil, ErrNotConnected
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	paramsJSON, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := t.writeMessage(JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: paramsJSON}); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StdioTransport) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) readLoop(r io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		if line := scanner.Bytes(); len(line) > 0 {
			t.processLine(line)
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine resolves the pending call a response belongs to. Server
// notifications and requests are logged; tool inventory is re-listed per turn
// so list_changed needs no handling.
func (t *StdioTransport) processLine(line []byte) {
	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		t.logger.Warn("dropping malformed line from server", "error", err)
		return
	}

	if envelope.Method != "" {
		t.logger.Debug("server message ignored", "method", envelope.Method)
		return
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("dropping malformed response", "error", err)
		return
	}
	id, ok := numericID(resp.ID)
	if !ok {
		t.logger.Warn("unexpected response ID type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Debug("response for unknown request", "id", id)
		return
	}
	ch <- &resp
}

func numericID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

func (t *StdioTransport) logStderr(r io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
