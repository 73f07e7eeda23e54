package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("note %s", "n1")))
	assert.Equal(t, KindConflict, KindOf(Conflict("stale update")))
	assert.Equal(t, KindDatabase, KindOf(fmt.Errorf("raw")))
}

func TestWrapPreservesKind(t *testing.T) {
	inner := RateLimited("embedding API", 5*time.Second)
	wrapped := Wrap(KindDatabase, "index note", inner)

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	var te *Error
	require.True(t, As(wrapped, &te))
	assert.Equal(t, 5*time.Second, te.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindDatabase, "no-op", nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(RateLimited("429", 0)))
	assert.True(t, IsRetryable(Network("timeout", fmt.Errorf("dial tcp"))))
	assert.False(t, IsRetryable(NotFound("gone")))
	assert.False(t, IsRetryable(InvalidArgument("bad payload")))
	assert.False(t, IsRetryable(LLM("bad response", nil)))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindLLM},
		{http.StatusForbidden, KindLLM},
		{http.StatusInternalServerError, KindNetwork},
		{http.StatusBadGateway, KindNetwork},
		{http.StatusBadRequest, KindLLM},
	}
	for _, tt := range tests {
		err := FromHTTPStatus(tt.status, "call failed", fmt.Errorf("body"))
		assert.Equal(t, tt.kind, KindOf(err), "status %d", tt.status)
	}
}

func TestUserMessageNeverLeaksBody(t *testing.T) {
	raw := fmt.Errorf(`{"error":{"message":"secret internal detail"}}`)

	for _, status := range []int{401, 403, 429, 500, 503} {
		msg := UserMessage(FromHTTPStatus(status, "provider call", raw))
		assert.NotContains(t, msg, "secret", "status %d", status)
	}

	assert.Equal(t, "API key invalid or expired", UserMessage(FromHTTPStatus(401, "x", raw)))
	assert.Equal(t, "access denied", UserMessage(FromHTTPStatus(403, "x", raw)))
	assert.Equal(t, "too many requests, please retry later", UserMessage(FromHTTPStatus(429, "x", raw)))
	assert.Equal(t, "service temporarily unavailable", UserMessage(FromHTTPStatus(502, "x", raw)))
}

func TestCalculateDelay(t *testing.T) {
	policy := IndexerRetryPolicy()

	assert.Equal(t, time.Second, CalculateDelay(0, policy))
	assert.Equal(t, 2*time.Second, CalculateDelay(1, policy))
	assert.Equal(t, 4*time.Second, CalculateDelay(2, policy))
	// Capped at 20s.
	assert.Equal(t, 20*time.Second, CalculateDelay(10, policy))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		calls++
		return InvalidArgument("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		calls++
		return Network("flaky", fmt.Errorf("reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		calls++
		if calls < 2 {
			return RateLimited("429", 0)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
