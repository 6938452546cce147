// Package providers gives the rest of the system a provider-agnostic
// surface for embedding generation and chat completion. Adapters carry the
// caller's deadline into every call and never retry internally beyond a
// single connection-level retry; retry policy lives in the embedding engine
// and the orchestrator.
package providers

import (
	"context"
	"time"
)

// EmbeddingProvider generates embedding vectors for batches of texts
type EmbeddingProvider interface {
	// Name returns the provider name (e.g., "openai", "mock")
	Name() string

	// EmbedBatch generates embeddings for the given texts using the
	// specified model. The returned vectors are in input order.
	EmbedBatch(ctx context.Context, texts []string, model string) (*EmbeddingBatch, error)

	// Dimensions returns the vector dimension for a model
	Dimensions(model string) (int, error)

	// HealthCheck verifies the provider is accessible and functioning.
	// It must not update any observable provider state other than metrics.
	HealthCheck(ctx context.Context) error

	// Close cleans up any resources
	Close() error
}

// ChatProvider produces a completion for a system/user prompt pair
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ChatStreamingProvider additionally supports streaming completions
type ChatStreamingProvider interface {
	ChatProvider

	// ChatStream produces a lazy, finite, single-pass sequence of text
	// fragments in emission order. Consumers must either drain the stream
	// or Close it; Close propagates cancellation to the provider.
	ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error)
}

// ChatStream is a single-pass sequence of text fragments. Recv returns
// io.EOF when the stream is complete. Close releases provider resources
// and is safe to call more than once.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

// ChatRequest is a provider-agnostic chat completion request
type ChatRequest struct {
	SystemPrompt string  `json:"system_prompt,omitempty"`
	UserPrompt   string  `json:"user_prompt"`
	Model        string  `json:"model"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// ChatResponse is a provider-agnostic chat completion response
type ChatResponse struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
	Provider   string `json:"provider"`
	LatencyMs  int64  `json:"latency_ms"`
}

// EmbeddingBatch is the result of a batch embedding call
type EmbeddingBatch struct {
	Vectors     [][]float32 `json:"-"`
	Model       string      `json:"model"`
	Dimensions  int         `json:"dimensions"`
	TotalTokens int         `json:"total_tokens"`
	Provider    string      `json:"provider"`
	LatencyMs   int64       `json:"latency_ms"`
}

// ModelInfo describes an embedding or chat model
type ModelInfo struct {
	Name       string `json:"name"`
	Dimensions int    `json:"dimensions,omitempty"`
	MaxTokens  int    `json:"max_tokens"`
	IsActive   bool   `json:"is_active"`
}

// Config contains common configuration for providers
type Config struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`

	// RequestTimeout is the per-call deadline applied when the caller's
	// context carries none
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRequestsPerMinute enables client-side rate limiting when > 0
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`

	CustomHeaders map[string]string `mapstructure:"custom_headers"`
}
