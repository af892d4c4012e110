// Package channel correlates requests and replies over a single
// bidirectional message transport. One goroutine reads, one goroutine
// writes, and any number of callers may wait on replies concurrently.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/observability"
)

var (
	// ErrClosed is returned for writes after the channel stopped.
	ErrClosed = errors.New("channel: closed")

	// ErrDuplicateID is returned when a request id is already pending.
	ErrDuplicateID = errors.New("channel: duplicate request id")
)

// Transport moves whole messages. ReadMessage is called from one goroutine
// and WriteMessage from another; Close must unblock both.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Outcome is how a correlated request ended.
type Outcome int

const (
	// Resolved means the peer replied.
	Resolved Outcome = iota
	// TimedOut means no reply arrived before the deadline.
	TimedOut
	// Cancelled means the caller's context ended or the channel stopped.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Response is the result of SendRequest. Reply is set only when Resolved.
type Response struct {
	Outcome Outcome
	Reply   Inbound
	// Err carries the cause of a Cancelled outcome, when known.
	Err error
}

// Dispatcher receives pushed chat messages. It runs on the reader goroutine
// and must not block.
type Dispatcher func(Inbound)

// Config configures a Channel.
type Config struct {
	Transport  Transport
	Dispatcher Dispatcher
	// DefaultTimeout applies to requests without WithTimeout. Zero waits indefinitely.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

type pendingRequest struct {
	reply chan Inbound
}

type writeRequest struct {
	data []byte
	errc chan error
}

// Channel is a correlation channel over one Transport.
type Channel struct {
	transport      Transport
	dispatch       Dispatcher
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	writes   chan writeRequest
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a channel. Call Run to start reading and writing.
func New(cfg Config) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		transport:      cfg.Transport,
		dispatch:       cfg.Dispatcher,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger.With("component", "channel"),
		metrics:        cfg.Metrics,
		pending:        make(map[string]*pendingRequest),
		writes:         make(chan writeRequest),
		done:           make(chan struct{}),
	}
}

// RequestOption customizes SendRequest.
type RequestOption func(*requestOptions)

type requestOptions struct {
	id      string
	timeout time.Duration
}

// WithID sets the correlation id instead of a generated one.
func WithID(id string) RequestOption {
	return func(o *requestOptions) { o.id = id }
}

// WithTimeout bounds the wait for a reply. Zero waits indefinitely.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// SendRequest writes {request_id, event, payload} and waits for the reply
// with the same request_id. The error return is reserved for misuse; a
// request that could not complete is reported through Response.Outcome.
func (c *Channel) SendRequest(ctx context.Context, event string, payload any, opts ...RequestOption) (Response, error) {
	o := requestOptions{timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	data, err := json.Marshal(Outbound{RequestID: o.id, Event: event, Payload: payload})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request %s: %w", event, err)
	}

	p := &pendingRequest{reply: make(chan Inbound, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.finish(Response{Outcome: Cancelled, Err: ErrClosed}), nil
	}
	if _, exists := c.pending[o.id]; exists {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%w: %s", ErrDuplicateID, o.id)
	}
	c.pending[o.id] = p
	c.mu.Unlock()

	if err := c.write(ctx, data); err != nil {
		c.remove(o.id)
		return c.finish(Response{Outcome: Cancelled, Err: err}), nil
	}

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply := <-p.reply:
		return c.finish(Response{Outcome: Resolved, Reply: reply}), nil
	case <-timeout:
		c.remove(o.id)
		c.logger.Debug("request timed out", "request_id", o.id, "event", event, "timeout", o.timeout)
		return c.finish(Response{Outcome: TimedOut}), nil
	case <-ctx.Done():
		c.remove(o.id)
		return c.finish(Response{Outcome: Cancelled, Err: ctx.Err()}), nil
	case <-c.done:
		return c.finish(Response{Outcome: Cancelled, Err: ErrClosed}), nil
	}
}

func (c *Channel) finish(resp Response) Response {
	c.metrics.RecordRequest(resp.Outcome.String())
	return resp
}

// Send writes v as one uncorrelated message and returns once it has been
// handed to the transport.
func (c *Channel) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.write(ctx, data)
}

func (c *Channel) write(ctx context.Context, data []byte) error {
	req := writeRequest{data: data, errc: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Channel) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns the number of requests awaiting a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once Run has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close closes the transport, which stops Run.
func (c *Channel) Close() error {
	return c.transport.Close()
}

// Run reads until the transport fails or ctx ends. On return every pending
// request is resolved as Cancelled, the writer has stopped, and the
// transport is closed.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = c.transport.Close()
	}()

	err := c.readLoop(ctx)

	c.shutdown()
	cancel()
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	c.closed = true
	n := len(c.pending)
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if n > 0 {
		c.logger.Debug("cancelled pending requests", "count", n)
	}
}

func (c *Channel) readLoop(ctx context.Context) error {
	for {
		data, err := c.transport.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.handle(data)
	}
}

func (c *Channel) handle(data []byte) {
	in, err := DecodeInbound(data)
	if err != nil {
		c.logger.Warn("dropping inbound message", "error", err)
		return
	}

	if in.RequestID != "" {
		c.mu.Lock()
		p, ok := c.pending[in.RequestID]
		if ok {
			delete(c.pending, in.RequestID)
		}
		c.mu.Unlock()
		if ok {
			p.reply <- in
			return
		}
	}

	if in.ChatID != "" && c.dispatch != nil {
		c.dispatch(in)
		return
	}
	c.logger.Warn("dropping unmatched inbound message", "request_id", in.RequestID, "event", in.Event)
}

func (c *Channel) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case req := <-c.writes:
			req.errc <- c.transport.WriteMessage(ctx, req.data)
		}
	}
}
