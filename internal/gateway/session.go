package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/internal/channel"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/orchestrator"
	"github.com/haasonsaas/toolgate/internal/stream"
	"github.com/haasonsaas/toolgate/internal/toolcache"
	"github.com/haasonsaas/toolgate/internal/toolselect"
)

const (
	// EventWaitingMessage asks the peer for its next message.
	EventWaitingMessage = "waiting_message"
	// ConversationRequestID is the request id of every solicited prompt.
	ConversationRequestID = "conversation"
	// QuitMessage ends the session.
	QuitMessage = "quit"

	waitingMessageText = "Waiting for a message"
	turnQueueSize      = 16
)

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithValue(s.baseCtx, observability.ConnectionIDKey, connID))
	defer cancel()
	if !s.register(connID, cancel) {
		_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer s.unregister(connID)

	if err := s.serveSession(ctx, connID, conn); err != nil {
		s.logger.Warn("session ended with error", string(observability.ConnectionIDKey), connID, "error", err)
	}
}

// serveSession runs one connection until the peer leaves, the peer quits or
// the server stops.
func (s *Server) serveSession(ctx context.Context, connID string, conn *websocket.Conn) error {
	connLogger := observability.WithContext(ctx, s.base)
	logger := connLogger.With("component", "gateway")
	cfg := s.config

	transport := channel.NewWebsocketTransport(conn, channel.WebsocketOptions{ReadLimit: cfg.Server.ReadLimit})
	defer transport.Close()

	runner := &turnRunner{
		queue:   make(chan channel.Inbound, turnQueueSize),
		solicit: cfg.Agent.Solicit(),
		chatID:  connID,
		logger:  logger,
	}
	ch := channel.New(channel.Config{
		Transport:      transport,
		Dispatcher:     runner.enqueue,
		DefaultTimeout: cfg.Server.RequestTimeout,
		Logger:         connLogger,
		Metrics:        s.metrics,
	})
	runner.channel = ch

	cache, err := toolcache.New(toolcache.Config{
		Index:             s.index,
		Embedder:          s.embedder,
		DurableCollection: cfg.Vector.DurableCollection,
		Session:           toolcache.SessionName(cfg.Vector.SessionPrefix, strings.ReplaceAll(connID, "-", "")),
		Logger:            connLogger,
		Metrics:           s.metrics,
		Tracer:            s.tracer,
	})
	if err != nil {
		return fmt.Errorf("tool cache: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCleanupTimeout)
		defer cancel()
		if err := cache.Close(cleanupCtx); err != nil {
			logger.Warn("failed to delete session collection", "collection", cache.Session(), "error", err)
		}
	}()

	selector, err := toolselect.New(toolselect.Config{
		Index:      s.index,
		Embedder:   s.embedder,
		Collection: cache.Session(),
		Candidates: cfg.Selection.Candidates,
		Logger:     connLogger,
		Metrics:    s.metrics,
		Tracer:     s.tracer,
	})
	if err != nil {
		return fmt.Errorf("tool selector: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Provider:  s.provider,
		Inventory: s.inventory,
		Cache:     cache,
		Selector:  selector,
		Emitter: stream.EmitterFunc(func(ctx context.Context, ev stream.Event) error {
			return ch.Send(ctx, ev)
		}),
		Builtins:          s.builtins,
		SystemPrompt:      s.prompt,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		ThinkingBudget:    cfg.LLM.ThinkingBudget,
		RetryAttempts:     cfg.LLM.Retry.Attempts,
		RetryDelay:        cfg.LLM.Retry.Delay,
		ChatThreshold:     cfg.Selection.ChatThreshold,
		FallbackK:         cfg.Selection.FallbackK,
		RetrieveThreshold: cfg.Selection.RetrieveThreshold,
		HistoryWindow:     cfg.Selection.HistoryWindow,
		MaxRounds:         cfg.Agent.MaxRounds,
		VerboseLogs:       cfg.Agent.VerboseLogs,
		Logger:            s.base,
		Metrics:           s.metrics,
		Tracer:            s.tracer,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	runner.orchestrator = orch

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	logger.Info("session started", "session_collection", cache.Session())

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.run(sessionCtx)
	}()

	err = ch.Run(sessionCtx)
	cancel()
	<-runnerDone

	logger.Info("session ended", "turns", runner.turns)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	if ctx.Err() != nil || runner.quit {
		return nil
	}
	return err
}

// turnRunner executes one connection's turns strictly in sequence.
type turnRunner struct {
	channel      *channel.Channel
	orchestrator *orchestrator.Orchestrator
	queue        chan channel.Inbound
	solicit      bool
	chatID       string
	logger       *slog.Logger

	backlog []channel.Inbound
	turns   int
	quit    bool
}

// enqueue receives pushed chat messages on the reader goroutine.
func (r *turnRunner) enqueue(in channel.Inbound) {
	select {
	case r.queue <- in:
	default:
		r.logger.Warn("turn queue full; dropping chat message", "chat_id", in.ChatID)
	}
}

func (r *turnRunner) run(ctx context.Context) {
	for {
		in, ok := r.next(ctx)
		if !ok {
			return
		}

		message := strings.TrimSpace(in.Message())
		if strings.EqualFold(message, QuitMessage) {
			r.logger.Info("peer quit")
			r.quit = true
			_ = r.channel.Close()
			return
		}
		if message == "" {
			r.logger.Debug("ignoring empty message", "request_id", in.RequestID)
			continue
		}

		chatID := in.ChatID
		if chatID == "" {
			chatID = r.chatID
		}
		r.turns++
		// Failures are logged and reported to the peer by the orchestrator.
		_ = r.orchestrator.RunTurn(ctx, orchestrator.Turn{ChatID: chatID, Query: message})
		if ctx.Err() != nil {
			return
		}
	}
}

// next returns the next message to answer: a queued chat message, or the
// reply to a solicited prompt when prompts are enabled.
func (r *turnRunner) next(ctx context.Context) (channel.Inbound, bool) {
	if len(r.backlog) > 0 {
		in := r.backlog[0]
		r.backlog = r.backlog[1:]
		return in, true
	}
	select {
	case in := <-r.queue:
		return in, true
	default:
	}

	if !r.solicit {
		select {
		case in := <-r.queue:
			return in, true
		case <-ctx.Done():
			return channel.Inbound{}, false
		}
	}

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies := make(chan channel.Response, 1)
	go func() {
		resp, err := r.channel.SendRequest(promptCtx, EventWaitingMessage,
			channel.MessagePayload{Message: waitingMessageText},
			channel.WithID(ConversationRequestID), channel.WithTimeout(0))
		if err != nil {
			resp = channel.Response{Outcome: channel.Cancelled, Err: err}
		}
		replies <- resp
	}()

	select {
	case resp := <-replies:
		if resp.Outcome != channel.Resolved {
			r.logger.Debug("prompt not answered", "outcome", resp.Outcome.String(), "error", resp.Err)
			return channel.Inbound{}, false
		}
		return resp.Reply, true
	case in := <-r.queue:
		// A pushed message preempts the prompt. A reply that raced in is kept.
		cancel()
		if resp := <-replies; resp.Outcome == channel.Resolved {
			r.backlog = append(r.backlog, resp.Reply)
		}
		return in, true
	}
}
