package rag

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/cache"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/tokenizer"
)

// Stream is a single-pass sequence of answer fragments. Recv returns
// io.EOF when the answer is complete; Response is non-nil only after
// that. Closing before completion cancels the generation and skips the
// conversation append and cache write.
type Stream interface {
	Recv() (string, error)
	Close() error

	// Response returns the final response once the stream has been
	// drained to io.EOF, and nil before then.
	Response() *models.RagResponse
}

// QueryStream runs the pipeline up to generation and streams the answer
// fragments. History recording and response caching happen when the
// stream completes, not when it is abandoned.
func (s *Service) QueryStream(ctx context.Context, tenantID, userID uuid.UUID, query string, opts QueryOptions) (Stream, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant ID is required", models.ErrInvalidInput)
	}
	if cache.Canonicalize(query) == "" {
		return nil, fmt.Errorf("%w: empty query", models.ErrInvalidInput)
	}
	if s.metrics != nil {
		s.metrics.QueryRequests.Inc()
	}

	if s.respCache != nil && !opts.SkipCache {
		if cached := s.respCache.Get(ctx, tenantID, query); cached != nil {
			if s.config.AppendOnCacheHit {
				s.record(ctx, tenantID, userID, opts.ConversationID, query, cached)
			}
			return newReplayStream(cached), nil
		}
	}

	prep, failed := s.prepare(ctx, tenantID, query, opts)
	if failed != nil {
		return newTerminalStream(failed), nil
	}
	if prep.empty != nil {
		if s.respCache != nil && !opts.SkipCache {
			s.respCache.Put(ctx, tenantID, query, prep.empty)
		}
		return newTerminalStream(prep.empty), nil
	}

	streamer, ok := s.chatter.(providers.ChatStreamingProvider)
	if !ok {
		// Provider cannot stream; generate in full and replay
		resp, err := s.generate(ctx, tenantID, userID, query, prep, opts)
		if err != nil {
			return nil, err
		}
		return newReplayStream(resp), nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	genCtx, cancel := context.WithTimeout(ctx, timeout)

	upstream, err := streamer.ChatStream(genCtx, s.chatRequest(prep, opts))
	if err != nil {
		cancel()
		return newTerminalStream(s.failed(fmt.Sprintf("generation failed: %v", err), prep.metrics())), nil
	}

	return &liveStream{
		service:  s,
		upstream: upstream,
		cancel:   cancel,
		started:  time.Now(),
		tenantID: tenantID,
		userID:   userID,
		query:    query,
		opts:     opts,
		prep:     prep,
		provider: streamer.Name(),
	}, nil
}

// generate is the non-streaming generation step shared with QueryStream's
// replay fallback
func (s *Service) generate(ctx context.Context, tenantID, userID uuid.UUID, query string, prep *preparation, opts QueryOptions) (*models.RagResponse, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	chatCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	genStart := time.Now()
	chatResp, err := s.chatter.Chat(chatCtx, s.chatRequest(prep, opts))
	if err != nil {
		return s.failed(fmt.Sprintf("generation failed: %v", err), prep.metrics()), nil
	}

	resp := &models.RagResponse{
		Status:  models.ResponseSuccess,
		Answer:  chatResp.Text,
		Sources: prep.sources,
	}
	resp.Metrics = prep.metrics()
	resp.Metrics.GenerationMs = time.Since(genStart).Milliseconds()
	resp.Metrics.TokensGenerated = chatResp.TokensUsed
	if resp.Metrics.TokensGenerated == 0 {
		resp.Metrics.TokensGenerated = tokenizer.Estimate(chatResp.Text)
	}
	resp.Metrics.ProviderUsed = chatResp.Provider

	s.record(ctx, tenantID, userID, opts.ConversationID, query, resp)
	if s.respCache != nil && !opts.SkipCache {
		s.respCache.Put(ctx, tenantID, query, resp)
	}
	return resp, nil
}

// liveStream relays provider fragments, buffering the full answer so the
// conversation append and cache write can run once the stream completes
type liveStream struct {
	service  *Service
	upstream providers.ChatStream
	cancel   context.CancelFunc
	started  time.Time
	tenantID uuid.UUID
	userID   uuid.UUID
	query    string
	opts     QueryOptions
	prep     *preparation
	provider string

	mu     sync.Mutex
	buf    strings.Builder
	resp   *models.RagResponse
	closed bool
	done   bool
}

func (l *liveStream) Recv() (string, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", fmt.Errorf("stream is closed")
	}
	if l.done {
		l.mu.Unlock()
		return "", io.EOF
	}
	l.mu.Unlock()

	fragment, err := l.upstream.Recv()
	if err == io.EOF {
		l.finish()
		return "", io.EOF
	}
	if err != nil {
		l.mu.Lock()
		l.done = true
		l.resp = l.service.failed(fmt.Sprintf("generation failed: %v", err), l.prep.metrics())
		l.mu.Unlock()
		l.cancel()
		return "", err
	}

	l.mu.Lock()
	l.buf.WriteString(fragment)
	l.mu.Unlock()
	return fragment, nil
}

// finish builds the final response and runs the deferred side effects.
// It uses a background context so an expiring generation deadline does
// not lose the append or the cache write.
func (l *liveStream) finish() {
	l.mu.Lock()
	if l.done || l.closed {
		l.mu.Unlock()
		return
	}
	l.done = true
	answer := l.buf.String()

	resp := &models.RagResponse{
		Status:  models.ResponseSuccess,
		Answer:  answer,
		Sources: l.prep.sources,
	}
	resp.Metrics = l.prep.metrics()
	resp.Metrics.GenerationMs = time.Since(l.started).Milliseconds()
	resp.Metrics.TokensGenerated = tokenizer.Estimate(answer)
	resp.Metrics.ProviderUsed = l.provider
	l.resp = resp
	l.mu.Unlock()

	if l.service.metrics != nil {
		l.service.metrics.GenerationDuration.Observe(time.Since(l.started).Seconds())
	}

	ctx, cancelSideEffects := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSideEffects()
	l.service.record(ctx, l.tenantID, l.userID, l.opts.ConversationID, l.query, resp)
	if l.service.respCache != nil && !l.opts.SkipCache {
		l.service.respCache.Put(ctx, l.tenantID, l.query, resp)
	}
	l.cancel()
}

func (l *liveStream) Close() error {
	l.mu.Lock()
	abandoned := !l.done
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	if abandoned {
		l.service.logger.Debug("stream abandoned before completion", map[string]interface{}{
			"tenant_id": l.tenantID.String(),
		})
	}
	return l.upstream.Close()
}

func (l *liveStream) Response() *models.RagResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		return nil
	}
	return l.resp
}

// replayStream serves an already complete answer as a single fragment
type replayStream struct {
	resp *models.RagResponse
	sent bool
	done bool
}

func newReplayStream(resp *models.RagResponse) *replayStream {
	return &replayStream{resp: resp}
}

func (r *replayStream) Recv() (string, error) {
	if r.done {
		return "", io.EOF
	}
	if !r.sent && r.resp.Answer != "" {
		r.sent = true
		return r.resp.Answer, nil
	}
	r.done = true
	return "", io.EOF
}

func (r *replayStream) Close() error { return nil }

func (r *replayStream) Response() *models.RagResponse {
	if !r.done {
		return nil
	}
	return r.resp
}

// terminalStream carries a FAILED or EMPTY outcome with no fragments
type terminalStream struct {
	resp *models.RagResponse
	done bool
}

func newTerminalStream(resp *models.RagResponse) *terminalStream {
	return &terminalStream{resp: resp}
}

func (t *terminalStream) Recv() (string, error) {
	t.done = true
	return "", io.EOF
}

func (t *terminalStream) Close() error { return nil }

func (t *terminalStream) Response() *models.RagResponse {
	if !t.done {
		return nil
	}
	return t.resp
}
