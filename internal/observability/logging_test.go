package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		check  func(t *testing.T, out string)
	}{
		{
			name:   "json",
			format: "json",
			check: func(t *testing.T, out string) {
				var entry map[string]any
				if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
					t.Fatalf("expected JSON output, got %q: %v", out, err)
				}
				if entry["msg"] != "hello" {
					t.Errorf("msg = %v, want hello", entry["msg"])
				}
			},
		},
		{
			name:   "text",
			format: "text",
			check: func(t *testing.T, out string) {
				if !strings.Contains(out, "msg=hello") {
					t.Errorf("expected text output, got %q", out)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Format: tt.format, Output: &buf})
			logger.Info("hello", "component", "test")
			tt.check(t, buf.String())
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn record should be written")
	}
}

func TestNewLogger_Redaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	key := "AIza" + strings.Repeat("x", 35)
	logger.Info("connecting with api_key="+key,
		"error", errors.New("request failed: bearer abcdefghijklmnopqrstuvwxyz"),
		"config", key,
	)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Errorf("API key leaked into log output: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") {
		t.Errorf("bearer token leaked into log output: %s", out)
	}
	if !strings.Contains(out, redacted) {
		t.Errorf("expected redaction marker in %s", out)
	}
}

func TestNewLogger_RedactsWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("token", "sk-"+strings.Repeat("a", 40))
	logger.Info("scoped")

	if strings.Contains(buf.String(), strings.Repeat("a", 40)) {
		t.Errorf("scoped attribute leaked: %s", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LogConfig{Output: &buf})

	ctx := context.WithValue(context.Background(), ConnectionIDKey, "conn-1")
	ctx = context.WithValue(ctx, ChatIDKey, "chat-9")
	WithContext(ctx, base).Info("turn")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["connection_id"] != "conn-1" || entry["chat_id"] != "chat-9" {
		t.Errorf("context fields missing: %v", entry)
	}

	if WithContext(context.Background(), base) != base {
		t.Error("expected the same logger when context carries no IDs")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
