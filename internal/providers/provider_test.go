package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// sseServer streams lines as a text/event-stream response. The returned
// func reports the last request body.
func sseServer(t *testing.T, lines []string) (*httptest.Server, func() string) {
	t.Helper()
	var (
		mu   sync.Mutex
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(data)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("expected http.Flusher")
			return
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() string {
		mu.Lock()
		defer mu.Unlock()
		return body
	}
}

func errorServer(t *testing.T, status int, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// collect drains a delta stream.
func collect(t *testing.T, ch <-chan *Delta) []*Delta {
	t.Helper()
	var out []*Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

func summarize(deltas []*Delta) []string {
	out := make([]string, 0, len(deltas))
	for _, d := range deltas {
		switch d.Kind {
		case DeltaText, DeltaReasoning:
			switch {
			case d.Signature != "":
				out = append(out, "signature:"+d.Signature)
			case d.Redacted != "":
				out = append(out, "redacted:"+d.Redacted)
			default:
				out = append(out, d.Kind.String()+":"+d.Text)
			}
		case DeltaToolCall:
			out = append(out, fmt.Sprintf("tool_call:%s:%s:%s", d.ToolCall.ID, d.ToolCall.Name, d.ToolCall.ArgsDelta))
		case DeltaToolCallDone:
			out = append(out, "tool_call_done:"+d.ToolCall.ID)
		case DeltaFinish:
			out = append(out, "finish:"+d.FinishReason)
		case DeltaError:
			out = append(out, "error")
		}
	}
	return out
}

func assertDeltas(t *testing.T, got []*Delta, want []string) {
	t.Helper()
	summary := summarize(got)
	if strings.Join(summary, "\n") != strings.Join(want, "\n") {
		t.Errorf("deltas =\n  %s\nwant\n  %s", strings.Join(summary, "\n  "), strings.Join(want, "\n  "))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", &ProviderError{Reason: FailureRateLimit}, true},
		{"server", &ProviderError{Reason: FailureServerError}, true},
		{"connection", &ProviderError{Reason: FailureConnection}, true},
		{"auth", &ProviderError{Reason: FailureAuth}, false},
		{"invalid", &ProviderError{Reason: FailureInvalidRequest}, false},
		{"wrapped provider error", fmt.Errorf("generate: %w", &ProviderError{Reason: FailureTimeout}), true},
		{"raw connection refused", errors.New("dial tcp: connection refused"), true},
		{"raw other", errors.New("bad schema"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   FailureReason
	}{
		{http.StatusTooManyRequests, FailureRateLimit},
		{http.StatusUnauthorized, FailureAuth},
		{http.StatusForbidden, FailureAuth},
		{http.StatusBadRequest, FailureInvalidRequest},
		{http.StatusNotFound, FailureModelNotFound},
		{http.StatusBadGateway, FailureServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := NewProviderError("test", "m", errors.New("boom")).WithStatus(tt.status)
			if err.Reason != tt.want {
				t.Errorf("Reason = %v, want %v", err.Reason, tt.want)
			}
			if !strings.Contains(err.Error(), fmt.Sprintf("status=%d", tt.status)) {
				t.Errorf("Error() = %q, missing status", err.Error())
			}
		})
	}
}

func TestDeltaKindString(t *testing.T) {
	if DeltaToolCallDone.String() != "tool_call_done" || DeltaKind(42).String() != "DeltaKind(42)" {
		t.Errorf("unexpected DeltaKind strings")
	}
}
