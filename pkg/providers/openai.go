package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// OpenAIProvider implements EmbeddingProvider and ChatStreamingProvider
// against the OpenAI REST API.
type OpenAIProvider struct {
	config     Config
	httpClient *http.Client
	models     map[string]ModelInfo
	mu         sync.RWMutex
}

type openAIEmbeddingRequest struct {
	Input interface{} `json:"input"` // string or []string
	Model string      `json:"model"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(config Config) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if config.Endpoint == "" {
		config.Endpoint = "https://api.openai.com/v1"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}

	p := &OpenAIProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}

	p.models = map[string]ModelInfo{
		"text-embedding-3-small": {
			Name:       "text-embedding-3-small",
			Dimensions: 1536,
			MaxTokens:  8191,
			IsActive:   true,
		},
		"text-embedding-3-large": {
			Name:       "text-embedding-3-large",
			Dimensions: 3072,
			MaxTokens:  8191,
			IsActive:   true,
		},
		"gpt-4o":      {Name: "gpt-4o", MaxTokens: 128000, IsActive: true},
		"gpt-4o-mini": {Name: "gpt-4o-mini", MaxTokens: 128000, IsActive: true},
	}

	return p, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Dimensions returns the vector dimension for a model
func (p *OpenAIProvider) Dimensions(model string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info, ok := p.models[model]
	if !ok || info.Dimensions == 0 {
		return 0, &ProviderError{
			Provider:   "openai",
			Code:       "MODEL_NOT_FOUND",
			Message:    fmt.Sprintf("embedding model %s not found", model),
			StatusCode: 404,
			Kind:       ErrModelNotFound,
		}
	}
	return info.Dimensions, nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string, model string) (*EmbeddingBatch, error) {
	if len(texts) == 0 {
		return &EmbeddingBatch{Model: model, Provider: "openai"}, nil
	}

	dims, err := p.Dimensions(model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := p.doRequest(ctx, "/embeddings", openAIEmbeddingRequest{
		Input: texts,
		Model: model,
	})
	if err != nil {
		return nil, err
	}

	var resp openAIEmbeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		vectors[data.Index] = data.Embedding
	}

	return &EmbeddingBatch{
		Vectors:     vectors,
		Model:       resp.Model,
		Dimensions:  dims,
		TotalTokens: resp.Usage.TotalTokens,
		Provider:    "openai",
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}

// Chat produces a completion for the given prompts
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	body, err := p.doRequest(ctx, "/chat/completions", p.chatRequest(req, false))
	if err != nil {
		return nil, err
	}

	var resp openAIChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in chat response")
	}

	return &ChatResponse{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.CompletionTokens,
		Provider:   "openai",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// ChatStream produces a streaming completion using server-sent events
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	httpReq, err := p.newRequest(ctx, "/chat/completions", p.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, p.errorFromResponse(resp.StatusCode, resp.Header, body)
	}

	return &openAIStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// HealthCheck verifies the provider is accessible with a minimal embedding
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.doRequest(ctx, "/embeddings", openAIEmbeddingRequest{
		Input: "ping",
		Model: "text-embedding-3-small",
	})
	return err
}

// Close cleans up resources
func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *OpenAIProvider) chatRequest(req ChatRequest, stream bool) openAIChatRequest {
	var messages []openAIChatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: req.UserPrompt})

	return openAIChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *OpenAIProvider) newRequest(ctx context.Context, path string, reqBody interface{}) (*http.Request, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	for k, v := range p.config.CustomHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doRequest performs a single call with one connection-level retry on
// transient transport failure. Policy retries belong to higher layers.
func (p *OpenAIProvider) doRequest(ctx context.Context, path string, reqBody interface{}) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := p.newRequest(ctx, path, reqBody)
		if err != nil {
			return nil, err
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = wrapTransportError("openai", err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = wrapTransportError("openai", readErr)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, p.errorFromResponse(resp.StatusCode, resp.Header, body)
		}
		return body, nil
	}
	return nil, lastErr
}

func (p *OpenAIProvider) errorFromResponse(status int, header http.Header, body []byte) error {
	perr := &ProviderError{
		Provider:   "openai",
		Code:       "UNKNOWN_ERROR",
		Message:    string(body),
		StatusCode: status,
		Kind:       kindForStatus(status),
		RetryAfter: parseRetryAfter(header.Get("Retry-After")),
	}

	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Code = errResp.Error.Code
		if perr.Code == "" {
			perr.Code = errResp.Error.Type
		}
		perr.Message = errResp.Error.Message
	}
	return perr
}

func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		d := time.Duration(seconds) * time.Second
		return &d
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return &d
		}
	}
	return nil
}

// openAIStream reads SSE data lines from a streaming completion
type openAIStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
	done      bool
}

// Recv returns the next text fragment, or io.EOF when the stream ends
func (s *openAIStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != nil {
			s.done = true
			return "", io.EOF
		}
		if chunk.Choices[0].Delta.Content != "" {
			return chunk.Choices[0].Delta.Content, nil
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", wrapTransportError("openai", err)
	}
	return "", io.EOF
}

// Close releases the underlying connection; safe to call more than once
func (s *openAIStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
	})
	return err
}
