package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// BreakerConfig tunes the circuit breaker wrapping a provider
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// DefaultBreakerConfig returns the default breaker tuning
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 3,
	}
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	})
}

func breakerError(provider string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ProviderError{
			Provider: provider,
			Code:     "CIRCUIT_OPEN",
			Message:  "circuit breaker is open",
			Kind:     ErrProviderUnavailable,
		}
	}
	return err
}

// ResilientEmbedder wraps an EmbeddingProvider with a circuit breaker and
// an optional client-side rate limiter. An open breaker surfaces as
// ErrProviderUnavailable, which the fallback pair treats as transient.
type ResilientEmbedder struct {
	inner   EmbeddingProvider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewResilientEmbedder wraps inner. requestsPerMinute <= 0 disables the
// rate limiter.
func NewResilientEmbedder(inner EmbeddingProvider, cfg BreakerConfig, requestsPerMinute int) *ResilientEmbedder {
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return &ResilientEmbedder{
		inner:   inner,
		breaker: newBreaker(inner.Name()+"-embed", cfg),
		limiter: limiter,
	}
}

func (r *ResilientEmbedder) Name() string { return r.inner.Name() }

func (r *ResilientEmbedder) Dimensions(model string) (int, error) {
	return r.inner.Dimensions(model)
}

// BreakerOpen reports whether the circuit is currently open
func (r *ResilientEmbedder) BreakerOpen() bool {
	return r.breaker.State() == gobreaker.StateOpen
}

func (r *ResilientEmbedder) EmbedBatch(ctx context.Context, texts []string, model string) (*EmbeddingBatch, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, wrapTransportError(r.inner.Name(), err)
		}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.EmbedBatch(ctx, texts, model)
	})
	if err != nil {
		return nil, breakerError(r.inner.Name(), err)
	}
	return result.(*EmbeddingBatch), nil
}

// HealthCheck bypasses the breaker so probes can observe recovery
func (r *ResilientEmbedder) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

func (r *ResilientEmbedder) Close() error { return r.inner.Close() }

// ResilientChatter wraps a ChatStreamingProvider with a circuit breaker
// and an optional client-side rate limiter.
type ResilientChatter struct {
	inner   ChatStreamingProvider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewResilientChatter wraps inner. requestsPerMinute <= 0 disables the
// rate limiter.
func NewResilientChatter(inner ChatStreamingProvider, cfg BreakerConfig, requestsPerMinute int) *ResilientChatter {
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return &ResilientChatter{
		inner:   inner,
		breaker: newBreaker(inner.Name()+"-chat", cfg),
		limiter: limiter,
	}
}

func (r *ResilientChatter) Name() string { return r.inner.Name() }

// BreakerOpen reports whether the circuit is currently open
func (r *ResilientChatter) BreakerOpen() bool {
	return r.breaker.State() == gobreaker.StateOpen
}

func (r *ResilientChatter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, wrapTransportError(r.inner.Name(), err)
		}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, breakerError(r.inner.Name(), err)
	}
	return result.(*ChatResponse), nil
}

// ChatStream counts only the stream open against the breaker; mid-stream
// failures are the consumer's to observe.
func (r *ResilientChatter) ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, wrapTransportError(r.inner.Name(), err)
		}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.ChatStream(ctx, req)
	})
	if err != nil {
		return nil, breakerError(r.inner.Name(), err)
	}
	return result.(ChatStream), nil
}

// HealthCheck bypasses the breaker so probes can observe recovery
func (r *ResilientChatter) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

func (r *ResilientChatter) Close() error { return r.inner.Close() }
