package mcp

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{name: "stdio ok", cfg: ServerConfig{ID: "fs", Command: "mcp-fs", Args: []string{"--root", "/data"}}},
		{name: "http ok", cfg: ServerConfig{ID: "web", Transport: TransportHTTP, URL: "https://mcp.example.com/mcp"}},
		{name: "missing id", cfg: ServerConfig{Command: "x"}, wantErr: "ID is required"},
		{name: "missing command", cfg: ServerConfig{ID: "fs"}, wantErr: "command is required"},
		{name: "path traversal", cfg: ServerConfig{ID: "fs", Command: "../bin/srv"}, wantErr: "path traversal"},
		{name: "shell chaining", cfg: ServerConfig{ID: "fs", Command: "srv", Args: []string{"a; rm -rf /"}}, wantErr: "metacharacters"},
		{name: "http missing url", cfg: ServerConfig{ID: "web", Transport: TransportHTTP}, wantErr: "URL is required"},
		{name: "http bad scheme", cfg: ServerConfig{ID: "web", Transport: TransportHTTP, URL: "ftp://x"}, wantErr: "http://"},
		{name: "unknown transport", cfg: ServerConfig{ID: "x", Transport: "grpc"}, wantErr: "unknown transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestToolCallResultText(t *testing.T) {
	raw := `{"content":[{"type":"text","text":"line one"},{"type":"image","data":"AAAA","mimeType":"image/png"},{"type":"text","text":"line two"}]}`
	var result ToolCallResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := "line one\n[image image/png]\nline two"
	if got := result.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}

	var nilResult *ToolCallResult
	if nilResult.Text() != "" {
		t.Error("nil result should render empty")
	}
}

func TestToolListDecoding(t *testing.T) {
	raw := `{"tools":[{"name":"read_file","description":"Read a file","inputSchema":{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}}],"nextCursor":"abc"}`
	var result ListToolsResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "read_file" {
		t.Fatalf("tools = %+v", result.Tools)
	}
	if result.NextCursor != "abc" {
		t.Errorf("cursor = %q", result.NextCursor)
	}
	if !strings.Contains(string(result.Tools[0].InputSchema), `"required":["path"]`) {
		t.Errorf("schema = %s", result.Tools[0].InputSchema)
	}
}

func TestJSONRPCErrorIsError(t *testing.T) {
	var err error = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "no such method"}
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !strings.Contains(err.Error(), "no such method") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestToolErrorMessage(t *testing.T) {
	err := &ToolError{Tool: "search", Message: "quota exceeded"}
	if got := err.Error(); got != "tool search failed: quota exceeded" {
		t.Errorf("Error() = %q", got)
	}
}
