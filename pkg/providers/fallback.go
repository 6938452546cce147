package providers

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/contextmesh/ragcore/pkg/observability"
)

// FallbackEmbedder pairs a primary and a fallback embedding provider.
// Calls attempt the primary; on a transient failure (timeout, unavailable,
// rate limited) the fallback is attempted exactly once. When both fail the
// primary's error is returned with the fallback error attached as cause.
type FallbackEmbedder struct {
	primary  EmbeddingProvider
	fallback EmbeddingProvider
	logger   observability.Logger

	// lastUsed is monitoring-only state; it never influences routing
	lastUsed atomic.Value // string
}

// NewFallbackEmbedder creates a fallback pair. fallback may be nil, in
// which case primary failures surface directly.
func NewFallbackEmbedder(primary, fallback EmbeddingProvider, logger observability.Logger) *FallbackEmbedder {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	f := &FallbackEmbedder{primary: primary, fallback: fallback, logger: logger}
	f.lastUsed.Store(primary.Name())
	return f
}

// Name identifies the pair by its primary
func (f *FallbackEmbedder) Name() string { return f.primary.Name() }

// LastUsed returns the provider that served the most recent call
func (f *FallbackEmbedder) LastUsed() string {
	return f.lastUsed.Load().(string)
}

// Dimensions resolves against the primary, falling back on unknown models
func (f *FallbackEmbedder) Dimensions(model string) (int, error) {
	dims, err := f.primary.Dimensions(model)
	if err != nil && f.fallback != nil {
		if fdims, ferr := f.fallback.Dimensions(model); ferr == nil {
			return fdims, nil
		}
	}
	return dims, err
}

// EmbedBatch attempts the primary, then the fallback once on transient error
func (f *FallbackEmbedder) EmbedBatch(ctx context.Context, texts []string, model string) (*EmbeddingBatch, error) {
	batch, primaryErr := f.primary.EmbedBatch(ctx, texts, model)
	if primaryErr == nil {
		f.lastUsed.Store(f.primary.Name())
		return batch, nil
	}

	if f.fallback == nil || !IsTransient(primaryErr) {
		return nil, primaryErr
	}

	f.logger.Warn("primary embedding provider failed, attempting fallback", map[string]interface{}{
		"primary":  f.primary.Name(),
		"fallback": f.fallback.Name(),
		"error":    primaryErr.Error(),
	})

	batch, fallbackErr := f.fallback.EmbedBatch(ctx, texts, model)
	if fallbackErr == nil {
		f.lastUsed.Store(f.fallback.Name())
		return batch, nil
	}

	return nil, attachCause(primaryErr, fallbackErr)
}

// HealthCheck probes the primary
func (f *FallbackEmbedder) HealthCheck(ctx context.Context) error {
	return f.primary.HealthCheck(ctx)
}

// Close closes both providers
func (f *FallbackEmbedder) Close() error {
	err := f.primary.Close()
	if f.fallback != nil {
		if ferr := f.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}

// FallbackChatter pairs a primary and a fallback chat provider with the
// same single-attempt fallback contract as FallbackEmbedder.
type FallbackChatter struct {
	primary  ChatStreamingProvider
	fallback ChatStreamingProvider
	logger   observability.Logger

	lastUsed atomic.Value // string
}

// NewFallbackChatter creates a fallback pair. fallback may be nil.
func NewFallbackChatter(primary, fallback ChatStreamingProvider, logger observability.Logger) *FallbackChatter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	f := &FallbackChatter{primary: primary, fallback: fallback, logger: logger}
	f.lastUsed.Store(primary.Name())
	return f
}

// Name identifies the pair by its primary
func (f *FallbackChatter) Name() string { return f.primary.Name() }

// LastUsed returns the provider that served the most recent call
func (f *FallbackChatter) LastUsed() string {
	return f.lastUsed.Load().(string)
}

// Chat attempts the primary, then the fallback once on transient error
func (f *FallbackChatter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, primaryErr := f.primary.Chat(ctx, req)
	if primaryErr == nil {
		f.lastUsed.Store(f.primary.Name())
		return resp, nil
	}

	if f.fallback == nil || !IsTransient(primaryErr) {
		return nil, primaryErr
	}

	f.logger.Warn("primary chat provider failed, attempting fallback", map[string]interface{}{
		"primary":  f.primary.Name(),
		"fallback": f.fallback.Name(),
		"error":    primaryErr.Error(),
	})

	resp, fallbackErr := f.fallback.Chat(ctx, req)
	if fallbackErr == nil {
		f.lastUsed.Store(f.fallback.Name())
		return resp, nil
	}

	return nil, attachCause(primaryErr, fallbackErr)
}

// ChatStream attempts to open a stream on the primary, then the fallback.
// Failures after the stream has opened are not retried; the consumer sees
// them through Recv.
func (f *FallbackChatter) ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	stream, primaryErr := f.primary.ChatStream(ctx, req)
	if primaryErr == nil {
		f.lastUsed.Store(f.primary.Name())
		return stream, nil
	}

	if f.fallback == nil || !IsTransient(primaryErr) {
		return nil, primaryErr
	}

	f.logger.Warn("primary chat provider failed to open stream, attempting fallback", map[string]interface{}{
		"primary":  f.primary.Name(),
		"fallback": f.fallback.Name(),
		"error":    primaryErr.Error(),
	})

	stream, fallbackErr := f.fallback.ChatStream(ctx, req)
	if fallbackErr == nil {
		f.lastUsed.Store(f.fallback.Name())
		return stream, nil
	}

	return nil, attachCause(primaryErr, fallbackErr)
}

// HealthCheck probes the primary
func (f *FallbackChatter) HealthCheck(ctx context.Context) error {
	return f.primary.HealthCheck(ctx)
}

// Close closes both providers
func (f *FallbackChatter) Close() error {
	err := f.primary.Close()
	if f.fallback != nil {
		if ferr := f.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}

// attachCause keeps the primary error as the surfaced failure with the
// fallback error recorded as its cause.
func attachCause(primaryErr, fallbackErr error) error {
	var perr *ProviderError
	if errors.As(primaryErr, &perr) {
		return &ProviderError{
			Provider:   perr.Provider,
			Code:       perr.Code,
			Message:    perr.Message,
			StatusCode: perr.StatusCode,
			RetryAfter: perr.RetryAfter,
			Kind:       perr.Kind,
			Cause:      fallbackErr,
		}
	}
	return primaryErr
}
