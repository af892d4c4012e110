package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/toolgate/internal/retry"
)

// FailureReason categorizes why a provider request failed.
type FailureReason string

const (
	FailureRateLimit      FailureReason = "rate_limit"
	FailureAuth           FailureReason = "auth"
	FailureTimeout        FailureReason = "timeout"
	FailureServerError    FailureReason = "server_error"
	FailureInvalidRequest FailureReason = "invalid_request"
	FailureModelNotFound  FailureReason = "model_unavailable"
	FailureConnection     FailureReason = "connection"
	FailureUnknown        FailureReason = "unknown"
)

// IsRetryable reports whether another attempt may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError, FailureConnection:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a model backend.
type ProviderError struct {
	Reason   FailureReason
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause and classifies it.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailureUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyError(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies the error.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

// IsRetryable reports whether err is worth another generation attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Reason.IsRetryable()
	}
	return retry.IsConnectionError(err)
}

func classifyError(err error) FailureReason {
	if retry.IsConnectionError(err) {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
			return FailureRateLimit
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return FailureTimeout
		}
		return FailureConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401"):
		return FailureAuth
	case strings.Contains(msg, "model not found") || strings.Contains(msg, "model_not_found"):
		return FailureModelNotFound
	}
	return FailureUnknown
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusRequestTimeout:
		return FailureTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return FailureInvalidRequest
	case status == http.StatusNotFound:
		return FailureModelNotFound
	case status >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}
