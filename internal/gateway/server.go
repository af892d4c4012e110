// Package gateway serves the websocket endpoint. Each connection gets its
// own correlation channel, session tool collection and turn runner.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/embeddings"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/orchestrator"
	"github.com/haasonsaas/toolgate/internal/providers"
	"github.com/haasonsaas/toolgate/internal/tools"
	"github.com/haasonsaas/toolgate/internal/vectorindex"
)

// Options are the shared dependencies of every connection.
type Options struct {
	Config    *config.Config
	Provider  providers.Provider
	Inventory orchestrator.Inventory
	Index     vectorindex.Index
	Embedder  embeddings.Provider
	// SystemPrompt defaults to the built-in instruction.
	SystemPrompt func() string
	// Builtins defaults to tools.Builtins().
	Builtins *tools.Registry

	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Gatherer backs the metrics endpoint. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Tracer   *observability.Tracer
}

// Server is the toolgate websocket gateway.
type Server struct {
	config    *config.Config
	provider  providers.Provider
	inventory orchestrator.Inventory
	index     vectorindex.Index
	embedder  embeddings.Provider
	prompt    func() string
	builtins  *tools.Registry

	// base is the unscoped logger handed to per-connection components.
	base     *slog.Logger
	logger   *slog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	tracer   *observability.Tracer
	upgrader websocket.Upgrader

	baseCtx    context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
	addr       string

	mu       sync.Mutex
	stopping bool
	conns    map[string]context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Provider == nil || opts.Inventory == nil || opts.Index == nil || opts.Embedder == nil {
		return nil, errors.New("gateway: provider, inventory, index and embedder are required")
	}
	if opts.Builtins == nil {
		builtins, err := tools.Builtins()
		if err != nil {
			return nil, err
		}
		opts.Builtins = builtins
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    opts.Config,
		provider:  opts.Provider,
		inventory: opts.Inventory,
		index:     opts.Index,
		embedder:  opts.Embedder,
		prompt:    opts.SystemPrompt,
		builtins:  opts.Builtins,
		base:      logger,
		logger:    logger.With("component", "gateway"),
		metrics:   opts.Metrics,
		gatherer:  gatherer,
		tracer:    opts.Tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[string]context.CancelFunc),
	}, nil
}

// Stop closes the listener, cancels every connection and waits for their
// sessions to clean up or ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.stopHTTPServer(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of open connections.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) register(connID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[connID] = cancel
	s.sessions.Add(1)
	return true
}

func (s *Server) unregister(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	s.sessions.Done()
}

const sessionCleanupTimeout = 5 * time.Second
