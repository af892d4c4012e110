package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// Manager manages the configured MCP server connections and presents them as
// one tool inventory.
type Manager struct {
	servers []*ServerConfig
	logger  *slog.Logger

	newTransport func(*ServerConfig, *slog.Logger) Transport

	mu      sync.RWMutex
	clients map[string]*Client
	order   []string
	// routes maps a tool name to the server that owns it.
	routes map[string]string
}

// NewManager creates a new MCP manager.
func NewManager(servers []*ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:      servers,
		logger:       logger.With("component", "mcp"),
		newTransport: NewTransport,
		clients:      make(map[string]*Client),
		routes:       make(map[string]string),
	}
}

// Start connects to every configured server. A server that fails to connect
// is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	for _, serverCfg := range m.servers {
		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to MCP server",
				"server", serverCfg.ID,
				"error", err)
		}
	}
	return nil
}

// Stop disconnects from all MCP servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client",
				"server", id,
				"error", err)
		}
	}
	m.clients = make(map[string]*Client)
	m.order = nil
	m.routes = make(map[string]string)
	return nil
}

// Connect connects to a specific MCP server by ID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.servers {
		if cfg.ID == serverID {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}

	m.mu.RLock()
	_, exists := m.clients[serverID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client := newClientWithTransport(serverCfg, m.newTransport(serverCfg, m.logger), m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.order = append(m.order, serverID)
	m.mu.Unlock()
	return nil
}

// Connected returns the IDs of connected servers in configuration order.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// ListTools lists every connected server's tools. When two servers expose
// the same name, the server connected first wins. A server that fails to
// list is logged and skipped; the call fails only when every server fails.
func (m *Manager) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	clients := make(map[string]*Client, len(m.clients))
	for id, c := range m.clients {
		clients[id] = c
	}
	m.mu.RUnlock()

	var (
		descriptors []models.ToolDescriptor
		routes      = make(map[string]string)
		failures    int
		lastErr     error
	)
	for _, id := range order {
		tools, err := clients[id].ListTools(ctx)
		if err != nil {
			failures++
			lastErr = err
			m.logger.Warn("failed to list MCP tools", "server", id, "error", err)
			continue
		}
		for _, tool := range tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			if owner, taken := routes[tool.Name]; taken {
				m.logger.Debug("duplicate tool name ignored",
					"tool", tool.Name, "server", id, "owner", owner)
				continue
			}
			routes[tool.Name] = id
			descriptors = append(descriptors, models.ToolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
	}

	if len(order) > 0 && failures == len(order) {
		return nil, fmt.Errorf("list tools: %w", lastErr)
	}

	m.mu.Lock()
	m.routes = routes
	m.mu.Unlock()
	return descriptors, nil
}

// CallTool routes a call to the server owning name and returns the joined
// text content. A result flagged isError is returned as a *ToolError.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	m.mu.RLock()
	serverID, ok := m.routes[name]
	client := m.clients[serverID]
	m.mu.RUnlock()
	if !ok || client == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, serverID, err)
	}
	text := result.Text()
	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}
