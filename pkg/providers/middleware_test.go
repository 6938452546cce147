package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResilientEmbedder_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := NewMockProvider("flaky", WithEmbedError(transientErr("flaky")))
	cfg := BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	r := NewResilientEmbedder(inner, cfg, 0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.EmbedBatch(ctx, []string{"x"}, "m")
		require.Error(t, err)
	}
	assert.True(t, r.BreakerOpen())

	// Once open, calls fail fast without reaching the provider
	callsBefore := len(inner.EmbedCalls())
	_, err := r.EmbedBatch(ctx, []string{"x"}, "m")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Len(t, inner.EmbedCalls(), callsBefore)
}

func TestResilientEmbedder_PassThroughOnSuccess(t *testing.T) {
	inner := NewMockProvider("healthy")
	r := NewResilientEmbedder(inner, DefaultBreakerConfig(), 0)

	batch, err := r.EmbedBatch(context.Background(), []string{"a", "b"}, "m")
	require.NoError(t, err)
	assert.Len(t, batch.Vectors, 2)
	assert.False(t, r.BreakerOpen())
}

func TestResilientChatter_BreakerOpenSurfacesAsUnavailable(t *testing.T) {
	inner := NewMockProvider("flaky", WithChatError(transientErr("flaky")))
	cfg := BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	r := NewResilientChatter(inner, cfg, 0)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Chat(ctx, ChatRequest{UserPrompt: "hi", Model: "m"})
		require.Error(t, err)
	}

	_, err := r.Chat(ctx, ChatRequest{UserPrompt: "hi", Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestResilientChatter_RateLimiterHonorsContext(t *testing.T) {
	inner := NewMockProvider("limited")
	// 1 request per minute with burst 1: the second call must wait
	r := NewResilientChatter(inner, DefaultBreakerConfig(), 1)

	ctx := context.Background()
	_, err := r.Chat(ctx, ChatRequest{UserPrompt: "first", Model: "m"})
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.Chat(shortCtx, ChatRequest{UserPrompt: "second", Model: "m"})
	require.Error(t, err)
}
