package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ProviderHTTPError is returned by provider adapters when the vendor API
// answers with a non-success status.
type ProviderHTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderHTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d - %s", e.Provider, e.StatusCode, body)
}

func (e *ProviderHTTPError) Unwrap() error {
	return ErrProvider
}

// NewProviderHTTPError builds a ProviderHTTPError.
func NewProviderHTTPError(provider string, statusCode int, body string) *ProviderHTTPError {
	return &ProviderHTTPError{Provider: provider, StatusCode: statusCode, Body: body}
}

// Category returns the taxonomy name for an error. Used as Result.Code.
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrCallNotFound):
		return "CallNotFound"
	case errors.Is(err, ErrCallNotConnected):
		return "CallNotConnected"
	case errors.Is(err, ErrCallEnded):
		return "CallEnded"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrConcurrencyLimitExceeded):
		return "ConcurrencyLimitExceeded"
	case errors.Is(err, ErrProvider):
		return "ProviderError"
	case errors.Is(err, ErrPersistenceCorruption):
		return "PersistenceCorruption"
	case errors.Is(err, ErrTranscriptWaitPending):
		return "TranscriptWaitPending"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "Internal"
	}
}

// IsRetryable reports whether a provider failure is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *ProviderHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset")
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Provider wraps an adapter failure so that it classifies as ErrProvider
// while keeping the original message.
func Provider(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProvider) {
		return fmt.Errorf("%s: %w", message, err)
	}
	return fmt.Errorf("%s: %w: %v", message, ErrProvider, err)
}

func CallNotFound(callID string) error {
	return fmt.Errorf("call %s: %w", callID, ErrCallNotFound)
}

func CallNotConnected(callID string) error {
	return fmt.Errorf("call %s: %w", callID, ErrCallNotConnected)
}

func CallEnded(callID string) error {
	return fmt.Errorf("call %s: %w", callID, ErrCallEnded)
}

func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

func Unauthorized(message string) error {
	return fmt.Errorf("%s: %w", message, ErrUnauthorized)
}

func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Corruption wraps a decoding failure as persistence corruption.
func Corruption(err error, line int) error {
	return fmt.Errorf("line %d: %w: %v", line, ErrPersistenceCorruption, err)
}
