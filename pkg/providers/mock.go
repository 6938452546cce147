package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"
)

// MockProvider implements EmbeddingProvider and ChatStreamingProvider for
// testing. Embeddings are derived deterministically from the input text so
// tests can assert retrieval behavior without a live provider.
type MockProvider struct {
	mu               sync.Mutex
	name             string
	dimensions       int
	latency          time.Duration
	embedErr         error
	chatErr          error
	healthCheckError error
	chatText         string
	closed           bool

	// Call tracking
	embedCalls []int // batch sizes, in call order
	chatCalls  []ChatRequest
}

// MockProviderOption configures a MockProvider
type MockProviderOption func(*MockProvider)

// WithDimensions sets the embedding dimension (default 1024)
func WithDimensions(dims int) MockProviderOption {
	return func(m *MockProvider) { m.dimensions = dims }
}

// WithLatency sets the simulated latency
func WithLatency(latency time.Duration) MockProviderOption {
	return func(m *MockProvider) { m.latency = latency }
}

// WithEmbedError makes every embedding call fail with err
func WithEmbedError(err error) MockProviderOption {
	return func(m *MockProvider) { m.embedErr = err }
}

// WithChatError makes every chat call fail with err
func WithChatError(err error) MockProviderOption {
	return func(m *MockProvider) { m.chatErr = err }
}

// WithChatText sets the canned chat completion text
func WithChatText(text string) MockProviderOption {
	return func(m *MockProvider) { m.chatText = text }
}

// WithHealthCheckError sets a health check error
func WithHealthCheckError(err error) MockProviderOption {
	return func(m *MockProvider) { m.healthCheckError = err }
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	m := &MockProvider{
		name:       name,
		dimensions: 1024,
		chatText:   "mock answer",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEmbedError changes the embedding failure injected into future calls
func (m *MockProvider) SetEmbedError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedErr = err
}

// SetChatError changes the chat failure injected into future calls
func (m *MockProvider) SetChatError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatErr = err
}

// EmbedCalls returns the batch sizes of all EmbedBatch calls so far
func (m *MockProvider) EmbedCalls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.embedCalls))
	copy(out, m.embedCalls)
	return out
}

// ChatCalls returns all Chat/ChatStream requests so far
func (m *MockProvider) ChatCalls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.chatCalls))
	copy(out, m.chatCalls)
	return out
}

// Name returns the provider name
func (m *MockProvider) Name() string { return m.name }

// Dimensions returns the configured embedding dimension
func (m *MockProvider) Dimensions(model string) (int, error) {
	return m.dimensions, nil
}

// EmbedBatch returns deterministic unit vectors derived from each text
func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string, model string) (*EmbeddingBatch, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.embedCalls = append(m.embedCalls, len(texts))
	embedErr := m.embedErr
	dims := m.dimensions
	m.mu.Unlock()

	if embedErr != nil {
		return nil, embedErr
	}

	vectors := make([][]float32, len(texts))
	totalTokens := 0
	for i, text := range texts {
		vectors[i] = DeterministicVector(text, dims)
		totalTokens += len(text) / 4
	}

	return &EmbeddingBatch{
		Vectors:     vectors,
		Model:       model,
		Dimensions:  dims,
		TotalTokens: totalTokens,
		Provider:    m.name,
	}, nil
}

// Chat returns the canned completion text
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.chatCalls = append(m.chatCalls, req)
	chatErr := m.chatErr
	text := m.chatText
	m.mu.Unlock()

	if chatErr != nil {
		return nil, chatErr
	}

	return &ChatResponse{
		Text:       text,
		Model:      req.Model,
		TokensUsed: len(text) / 4,
		Provider:   m.name,
	}, nil
}

// ChatStream returns the canned text split into word-sized fragments
func (m *MockProvider) ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.chatCalls = append(m.chatCalls, req)
	chatErr := m.chatErr
	text := m.chatText
	m.mu.Unlock()

	if chatErr != nil {
		return nil, chatErr
	}
	return &mockStream{fragments: splitFragments(text)}, nil
}

// HealthCheck returns the configured health check error, if any
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	return m.healthCheckError
}

// Close marks the provider closed
func (m *MockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockProvider) simulateLatency(ctx context.Context) error {
	if m.latency == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeterministicVector builds a unit-norm vector seeded from the text's
// SHA-256 digest. Equal texts always produce equal vectors.
func DeterministicVector(text string, dims int) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		// Cycle over the digest, varying by position
		seed := binary.BigEndian.Uint32(digest[(i*4)%28:]) + uint32(i)
		v := float64(seed%2000)/1000.0 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func splitFragments(text string) []string {
	var fragments []string
	start := 0
	for i, r := range text {
		if r == ' ' {
			fragments = append(fragments, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		fragments = append(fragments, text[start:])
	}
	return fragments
}

// mockStream replays fragments one Recv at a time
type mockStream struct {
	fragments []string
	pos       int
	closed    bool
}

func (s *mockStream) Recv() (string, error) {
	if s.closed || s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
