package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{CallNotFound("c1"), "CallNotFound"},
		{CallNotConnected("c1"), "CallNotConnected"},
		{CallEnded("c1"), "CallEnded"},
		{Timeout("waiting for transcript"), "Timeout"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "Timeout"},
		{fmt.Errorf("cap: %w", ErrConcurrencyLimitExceeded), "ConcurrencyLimitExceeded"},
		{NewProviderHTTPError("twilio", 500, "boom"), "ProviderError"},
		{Provider(errors.New("dial failed"), "initiate"), "ProviderError"},
		{Corruption(errors.New("bad json"), 3), "PersistenceCorruption"},
		{InvalidInput("missing to"), "InvalidInput"},
		{context.Canceled, "Canceled"},
		{errors.New("other"), "Internal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Category(tt.err), "err=%v", tt.err)
	}
}

func TestProviderKeepsMessage(t *testing.T) {
	err := Provider(errors.New("number unreachable"), "speak")
	assert.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "number unreachable")

	httpErr := NewProviderHTTPError("telnyx", 422, `{"errors":[]}`)
	wrapped := Provider(httpErr, "hangup")
	var target *ProviderHTTPError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 422, target.StatusCode)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(NewProviderHTTPError("twilio", 503, "")))
	assert.True(t, IsRetryable(NewProviderHTTPError("twilio", 429, "")))
	assert.False(t, IsRetryable(NewProviderHTTPError("twilio", 400, "")))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
}
