package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/mcp"
)

// Config is the main configuration structure for toolgate.
type Config struct {
	Version    int              `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Vector     VectorConfig     `yaml:"vector"`
	Selection  SelectionConfig  `yaml:"selection"`
	Agent      AgentConfig      `yaml:"agent"`
	MCP        MCPConfig        `yaml:"mcp"`
	Cache      CacheConfig      `yaml:"cache"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	WSPath      string `yaml:"ws_path"`
	MetricsPath string `yaml:"metrics_path"`
	// ReadLimit caps the size of one inbound websocket frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`
	// RequestTimeout bounds correlated requests other than the chat prompt.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

type LLMConfig struct {
	// Provider selects the streaming backend: openai (any OpenAI-compatible API) or anthropic.
	Provider    string      `yaml:"provider"`
	APIKey      string      `yaml:"api_key"`
	BaseURL     string      `yaml:"base_url"`
	Model       string      `yaml:"model"`
	Temperature float64     `yaml:"temperature"`
	MaxTokens   int         `yaml:"max_tokens"`
	Retry       RetryConfig `yaml:"retry"`
	// ThinkingBudget enables extended thinking on providers that support it.
	ThinkingBudget int `yaml:"thinking_budget"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type EmbeddingsConfig struct {
	// Provider selects the embedder: gemini, openai or ollama.
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	OllamaURL string `yaml:"ollama_url"`
}

type VectorConfig struct {
	// Backend selects the index: sqlite or postgres.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	// Metric is cosine or l2 (squared euclidean).
	Metric            string `yaml:"metric"`
	DurableCollection string `yaml:"durable_collection"`
	SessionPrefix     string `yaml:"session_prefix"`
	BatchSize         int    `yaml:"batch_size"`
}

type SelectionConfig struct {
	ChatThreshold     float64 `yaml:"chat_threshold"`
	FallbackK         int     `yaml:"fallback_k"`
	RetrieveThreshold float64 `yaml:"retrieve_threshold"`
	Candidates        int     `yaml:"candidates"`
	HistoryWindow     int     `yaml:"history_window"`
}

type AgentConfig struct {
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
	MaxRounds        int    `yaml:"max_rounds"`
	VerboseLogs      bool   `yaml:"verbose_logs"`
	// SolicitPrompts makes each connection ask the peer for the next message.
	SolicitPrompts *bool `yaml:"solicit_prompts"`
}

// Solicit reports whether prompts are solicited from the peer.
func (a AgentConfig) Solicit() bool {
	return a.SolicitPrompts == nil || *a.SolicitPrompts
}

type MCPConfig struct {
	Servers []*mcp.ServerConfig `yaml:"servers"`
}

type CacheConfig struct {
	// WarmSchedule is a cron expression (e.g. "@every 10m") for durable cache warmups.
	WarmSchedule string `yaml:"warm_schedule"`
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws/connect"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.ReadLimit == 0 {
		cfg.Server.ReadLimit = 1 << 20
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Provider == "openai" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 1
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 850
	}
	if cfg.LLM.Retry.Attempts == 0 {
		cfg.LLM.Retry.Attempts = 3
	}
	if cfg.LLM.Retry.Delay == 0 {
		cfg.LLM.Retry.Delay = 3 * time.Second
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "gemini"
	}
	if cfg.Embeddings.Model == "" {
		switch cfg.Embeddings.Provider {
		case "openai":
			cfg.Embeddings.Model = "text-embedding-3-small"
		case "ollama":
			cfg.Embeddings.Model = "nomic-embed-text"
		default:
			cfg.Embeddings.Model = "gemini-embedding-001"
		}
	}

	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "sqlite"
	}
	if cfg.Vector.Path == "" {
		cfg.Vector.Path = "./tool_db/tools.db"
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "l2"
	}
	if cfg.Vector.DurableCollection == "" {
		cfg.Vector.DurableCollection = "cached_tools"
	}
	if cfg.Vector.SessionPrefix == "" {
		cfg.Vector.SessionPrefix = "session"
	}
	if cfg.Vector.BatchSize == 0 {
		cfg.Vector.BatchSize = 100
	}

	if cfg.Selection.ChatThreshold == 0 {
		cfg.Selection.ChatThreshold = 0.754
	}
	if cfg.Selection.FallbackK == 0 {
		cfg.Selection.FallbackK = 3
	}
	if cfg.Selection.RetrieveThreshold == 0 {
		cfg.Selection.RetrieveThreshold = 0.80
	}
	if cfg.Selection.Candidates == 0 {
		cfg.Selection.Candidates = 100
	}
	if cfg.Selection.HistoryWindow == 0 {
		cfg.Selection.HistoryWindow = 5
	}

	if cfg.Agent.MaxRounds == 0 {
		cfg.Agent.MaxRounds = 10
	}
	for _, server := range cfg.MCP.Servers {
		if server != nil && server.Transport == "" {
			server.Transport = mcp.TransportStdio
		}
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		problems = append(problems, "server.ws_path must start with /")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q must be openai or anthropic", c.LLM.Provider))
	}
	switch c.Embeddings.Provider {
	case "gemini", "openai", "ollama":
	default:
		problems = append(problems, fmt.Sprintf("embeddings.provider %q must be gemini, openai or ollama", c.Embeddings.Provider))
	}
	switch c.Vector.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Vector.Path) == "" {
			problems = append(problems, "vector.path is required for the sqlite backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Vector.DSN) == "" {
			problems = append(problems, "vector.dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("vector.backend %q must be sqlite or postgres", c.Vector.Backend))
	}
	switch c.Vector.Metric {
	case "cosine", "l2":
	default:
		problems = append(problems, fmt.Sprintf("vector.metric %q must be cosine or l2", c.Vector.Metric))
	}
	if c.Selection.FallbackK < 0 {
		problems = append(problems, "selection.fallback_k must not be negative")
	}
	if c.Selection.Candidates < c.Selection.FallbackK {
		problems = append(problems, "selection.candidates must be at least selection.fallback_k")
	}

	seen := map[string]bool{}
	for i, server := range c.MCP.Servers {
		if server == nil {
			problems = append(problems, fmt.Sprintf("mcp.servers[%d] is empty", i))
			continue
		}
		if err := server.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("mcp.servers[%d]: %v", i, err))
		}
		if seen[server.ID] {
			problems = append(problems, fmt.Sprintf("mcp.servers[%d]: duplicate id %q", i, server.ID))
		}
		seen[server.ID] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
