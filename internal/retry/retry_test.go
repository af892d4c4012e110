package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Factor:       2.0,
	}

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Fixed(3, time.Millisecond), func() error {
		calls++
		return errors.New("always fails")
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", result.Attempts, calls)
	}
}

func TestDo_PermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Fixed(5, time.Millisecond), func() error {
		calls++
		return Permanent(errors.New("permanent error"))
	})

	if result.Err == nil {
		t.Error("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetryableClassifier(t *testing.T) {
	config := Fixed(5, time.Millisecond)
	config.Retryable = IsConnectionError

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		return errors.New("invalid api key")
	})

	if calls != 1 {
		t.Errorf("expected non-retryable error to stop after 1 call, got %d", calls)
	}
	if result.Err == nil {
		t.Error("expected error")
	}

	calls = 0
	result = Do(context.Background(), config, func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
		}
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected success after retry, got %v", result.Err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := Do(ctx, Fixed(5, 100*time.Millisecond), func() error {
		return errors.New("fail")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
	if result.Attempts >= 5 {
		t.Errorf("expected early exit, got %d attempts", result.Attempts)
	}
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{}, func() error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("expected a single attempt, got %d calls", calls)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), Fixed(3, time.Millisecond), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("temporary")
		}
		return "ok", nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if value != "ok" {
		t.Errorf("value = %q, want %q", value, "ok")
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestIsPermanent_NestedError(t *testing.T) {
	inner := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", Permanent(inner))
	if !IsPermanent(wrapped) {
		t.Error("expected wrapped permanent error to be detected")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("expected unwrap chain to reach inner error")
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"refused", fmt.Errorf("post: %w", syscall.ECONNREFUSED), true},
		{"reset", syscall.ECONNRESET, true},
		{"truncated", io.ErrUnexpectedEOF, true},
		{"server error", errors.New("error, status code: 503, message: overloaded"), true},
		{"rate limited", errors.New("Rate limit reached"), true},
		{"auth", errors.New("status code: 401, message: invalid key"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
