package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements ChatStreamingProvider against the Anthropic
// Messages API. Anthropic does not offer an embeddings endpoint, so this
// provider covers the chat capability only.
type AnthropicProvider struct {
	config     Config
	httpClient *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicProvider creates a new Anthropic chat provider
func NewAnthropicProvider(config Config) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if config.Endpoint == "" {
		config.Endpoint = "https://api.anthropic.com/v1"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}

	return &AnthropicProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}, nil
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Chat produces a completion for the given prompts
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	body, err := p.doRequest(ctx, p.messageRequest(req, false))
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse message response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no text content in message response")
	}

	return &ChatResponse{
		Text:       text.String(),
		Model:      resp.Model,
		TokensUsed: resp.Usage.OutputTokens,
		Provider:   "anthropic",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// ChatStream produces a streaming completion using server-sent events
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	httpReq, err := p.newRequest(ctx, p.messageRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, p.errorFromResponse(resp.StatusCode, resp.Header, body)
	}

	return &anthropicStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// HealthCheck verifies the provider is accessible with a one-token message
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.doRequest(ctx, anthropicRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

// Close cleans up resources
func (p *AnthropicProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *AnthropicProvider) messageRequest(req ChatRequest, stream bool) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return anthropicRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.UserPrompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *AnthropicProvider) newRequest(ctx context.Context, reqBody anthropicRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	for k, v := range p.config.CustomHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (p *AnthropicProvider) doRequest(ctx context.Context, reqBody anthropicRequest) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := p.newRequest(ctx, reqBody)
		if err != nil {
			return nil, err
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = wrapTransportError("anthropic", err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = wrapTransportError("anthropic", readErr)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, p.errorFromResponse(resp.StatusCode, resp.Header, body)
		}
		return body, nil
	}
	return nil, lastErr
}

func (p *AnthropicProvider) errorFromResponse(status int, header http.Header, body []byte) error {
	perr := &ProviderError{
		Provider:   "anthropic",
		Code:       "UNKNOWN_ERROR",
		Message:    string(body),
		StatusCode: status,
		Kind:       kindForStatus(status),
		RetryAfter: parseRetryAfter(header.Get("Retry-After")),
	}

	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Code = errResp.Error.Type
		perr.Message = errResp.Error.Message
	}
	// Anthropic signals overload with its own error type as well as 529
	if status == 529 || perr.Code == "overloaded_error" {
		perr.Kind = ErrProviderUnavailable
	}
	return perr
}

// anthropicStream reads SSE events from a streaming message
type anthropicStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
	done      bool
}

// Recv returns the next text fragment, or io.EOF when the stream ends
func (s *anthropicStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				return event.Delta.Text, nil
			}
		case "message_stop":
			s.done = true
			return "", io.EOF
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", wrapTransportError("anthropic", err)
	}
	return "", io.EOF
}

// Close releases the underlying connection; safe to call more than once
func (s *anthropicStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
	})
	return err
}
