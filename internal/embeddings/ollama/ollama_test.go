package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/internal/embeddings"
)

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		p, err := New(Config{})
		if err != nil {
			t.Fatalf("New error: %v", err)
		}
		if p.baseURL != "http://localhost:11434" {
			t.Errorf("baseURL = %q", p.baseURL)
		}
		if p.model != "nomic-embed-text" {
			t.Errorf("model = %q", p.model)
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		p, _ := New(Config{BaseURL: "http://custom:8080/", Model: "mxbai-embed-large"})
		if p.baseURL != "http://custom:8080" {
			t.Errorf("baseURL = %q", p.baseURL)
		}
	})
}

func TestProvider_Dimension(t *testing.T) {
	tests := []struct {
		model    string
		expected int
	}{
		{"nomic-embed-text", 768},
		{"mxbai-embed-large", 1024},
		{"all-minilm", 384},
		{"unknown-model", 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, _ := New(Config{Model: tt.model})
			if got := p.Dimension(); got != tt.expected {
				t.Errorf("Dimension() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestProvider_Embed(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		task       embeddings.Task
		wantPrefix string
	}{
		{name: "nomic document", model: "nomic-embed-text", task: embeddings.TaskDocument, wantPrefix: "search_document: "},
		{name: "nomic query", model: "nomic-embed-text", task: embeddings.TaskQuery, wantPrefix: "search_query: "},
		{name: "plain model", model: "all-minilm", task: embeddings.TaskQuery, wantPrefix: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got embedRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
					http.NotFound(w, r)
					return
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				resp := embedResponse{Model: got.Model}
				for i := range got.Input {
					resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
				}
				_ = json.NewEncoder(w).Encode(resp)
			}))
			defer srv.Close()

			p, _ := New(Config{BaseURL: srv.URL, Model: tt.model})
			vectors, err := p.Embed(context.Background(), []string{"a", "b"}, tt.task)
			if err != nil {
				t.Fatalf("Embed() error = %v", err)
			}
			if len(vectors) != 2 || vectors[1][0] != 1 {
				t.Fatalf("vectors = %v", vectors)
			}
			if got.Model != tt.model || len(got.Input) != 2 || got.Input[0] != tt.wantPrefix+"a" {
				t.Errorf("request = %+v", got)
			}
		})
	}
}

func TestProvider_EmbedErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		p, _ := New(Config{BaseURL: srv.URL})
		_, err := p.Embed(context.Background(), []string{"x"}, embeddings.TaskDocument)
		if err == nil || !strings.Contains(err.Error(), "model not found") {
			t.Fatalf("expected status error, got %v", err)
		}
	})

	t.Run("vector count mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"embeddings":[[1,2]]}`))
		}))
		defer srv.Close()

		p, _ := New(Config{BaseURL: srv.URL})
		if _, err := p.Embed(context.Background(), []string{"x", "y"}, embeddings.TaskDocument); err == nil {
			t.Fatal("expected mismatch error")
		}
	})
}
