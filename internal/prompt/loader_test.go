package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoaderPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "prompt.txt")
	if err := os.WriteFile(file, []byte("  from file \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		inline string
		path   string
		want   string
	}{
		{name: "default", want: DefaultSystemPrompt},
		{name: "inline", inline: "be brief", want: "be brief"},
		{name: "file wins", inline: "be brief", path: file, want: "from file"},
		{name: "missing file", inline: "be brief", path: filepath.Join(dir, "missing.txt"), want: "be brief"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLoader(tt.inline, tt.path, nil)
			if err != nil {
				t.Fatalf("NewLoader() error = %v", err)
			}
			if got := l.Prompt(); got != tt.want {
				t.Errorf("Prompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoaderReload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "prompt.txt")
	l, err := NewLoader("inline", file, nil)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	if l.Prompt() != "inline" {
		t.Fatalf("Prompt() = %q", l.Prompt())
	}

	if err := os.WriteFile(file, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if l.Prompt() != "v2" {
		t.Errorf("Prompt() = %q, want v2", l.Prompt())
	}
}

func TestLoaderWatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(file, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := NewLoader("", file, nil)
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	l.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer l.Close()

	if err := os.WriteFile(file, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for l.Prompt() != "v2" {
		if time.Now().After(deadline) {
			t.Fatalf("Prompt() = %q after change, want v2", l.Prompt())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchWithoutFileIsNoop(t *testing.T) {
	l, err := NewLoader("inline", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
