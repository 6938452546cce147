// Package rag composes the query pipeline: cache, optimizer,
// conversation context, embedding, retrieval, assembly and generation.
package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/assembly"
	"github.com/contextmesh/ragcore/pkg/cache"
	"github.com/contextmesh/ragcore/pkg/conversation"
	"github.com/contextmesh/ragcore/pkg/embedding"
	"github.com/contextmesh/ragcore/pkg/metrics"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
	"github.com/contextmesh/ragcore/pkg/optimizer"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/tokenizer"
	"github.com/contextmesh/ragcore/pkg/vectorstore"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer using only the provided context. " +
	"If the context does not contain the answer, say so."

// Config tunes the orchestrator
type Config struct {
	ChatModel          string        `mapstructure:"chat_model"`
	SystemPrompt       string        `mapstructure:"system_prompt"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	Temperature        float64       `mapstructure:"temperature"`
	MaxChunks          int           `mapstructure:"max_chunks"`
	RelevanceThreshold float64       `mapstructure:"relevance_threshold"`
	Timeout            time.Duration `mapstructure:"timeout"`

	// AppendOnCacheHit also records cache-served answers into the
	// conversation history
	AppendOnCacheHit bool `mapstructure:"append_on_cache_hit"`

	// DisableOptimization skips the query cleanup step entirely
	DisableOptimization bool `mapstructure:"disable_optimization"`

	// ExpandAcronyms and RemoveStopwords set the optimizer behavior for
	// requests that do not ask for it themselves
	ExpandAcronyms  bool `mapstructure:"expand_acronyms"`
	RemoveStopwords bool `mapstructure:"remove_stopwords"`

	// DisableContextualization turns conversation-aware query rewriting
	// off for every request
	DisableContextualization bool `mapstructure:"disable_contextualization"`
}

// DefaultConfig returns default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		SystemPrompt:       defaultSystemPrompt,
		MaxChunks:          10,
		RelevanceThreshold: 0.7,
		Timeout:            30 * time.Second,
	}
}

// QueryOptions are per-request overrides
type QueryOptions struct {
	ConversationID     uuid.UUID
	Model              string
	SystemPrompt       string
	MaxTokens          int
	MaxChunks          int
	RelevanceThreshold float64
	Filter             vectorstore.Filter
	Timeout            time.Duration
	ExpandAcronyms     bool
	RemoveStopwords    bool
	NoContextualize    bool
	SkipCache          bool
}

// Service is the query orchestrator
type Service struct {
	engine        *embedding.Engine
	store         vectorstore.Store
	chatter       providers.ChatProvider
	conversations *conversation.Store
	respCache     *cache.ResponseCache
	optimizer     *optimizer.Optimizer
	assembler     *assembly.Assembler
	config        Config
	logger        observability.Logger
	metrics       *metrics.Metrics
}

// NewService creates the orchestrator. The conversation store and
// response cache are optional; their absence just disables those steps.
func NewService(engine *embedding.Engine, store vectorstore.Store, chatter providers.ChatProvider, conversations *conversation.Store, respCache *cache.ResponseCache, opt *optimizer.Optimizer, asm *assembly.Assembler, config Config, logger observability.Logger, m *metrics.Metrics) (*Service, error) {
	if engine == nil || store == nil || chatter == nil {
		return nil, fmt.Errorf("%w: engine, store and chat provider are required", models.ErrInvalidInput)
	}
	defaults := DefaultConfig()
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaults.SystemPrompt
	}
	if config.MaxChunks <= 0 {
		config.MaxChunks = defaults.MaxChunks
	}
	if config.RelevanceThreshold <= 0 {
		config.RelevanceThreshold = defaults.RelevanceThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if opt == nil {
		opt = optimizer.New(optimizer.DefaultConfig())
	}
	if asm == nil {
		asm = assembly.New(assembly.DefaultConfig())
	}
	if logger == nil {
		logger = observability.NewLogger("rag")
	}

	return &Service{
		engine:        engine,
		store:         store,
		chatter:       chatter,
		conversations: conversations,
		respCache:     respCache,
		optimizer:     opt,
		assembler:     asm,
		config:        config,
		logger:        logger,
		metrics:       m,
	}, nil
}

// Query runs the full pipeline for one question. Failures come back as
// FAILED responses, not errors; the error return covers invalid input
// only.
func (s *Service) Query(ctx context.Context, tenantID, userID uuid.UUID, query string, opts QueryOptions) (*models.RagResponse, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant ID is required", models.ErrInvalidInput)
	}
	if cache.Canonicalize(query) == "" {
		return nil, fmt.Errorf("%w: empty query", models.ErrInvalidInput)
	}
	if s.metrics != nil {
		s.metrics.QueryRequests.Inc()
	}
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.QueryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	// Step 1: response cache
	if s.respCache != nil && !opts.SkipCache {
		if cached := s.respCache.Get(ctx, tenantID, query); cached != nil {
			if s.config.AppendOnCacheHit {
				s.record(ctx, tenantID, userID, opts.ConversationID, query, cached)
			}
			return cached, nil
		}
	}

	prep, failed := s.prepare(ctx, tenantID, query, opts)
	if failed != nil {
		return failed, nil
	}
	if prep.empty != nil {
		if s.respCache != nil && !opts.SkipCache {
			s.respCache.Put(ctx, tenantID, query, prep.empty)
		}
		return prep.empty, nil
	}

	// Step 7: generate
	genStart := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	chatCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chatResp, err := s.chatter.Chat(chatCtx, s.chatRequest(prep, opts))
	if err != nil {
		return s.failed(fmt.Sprintf("generation failed: %v", err), prep.metrics()), nil
	}
	if s.metrics != nil {
		s.metrics.GenerationDuration.Observe(time.Since(genStart).Seconds())
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

	// Steps 8-9: record and cache
	s.record(ctx, tenantID, userID, opts.ConversationID, query, resp)
	if s.respCache != nil && !opts.SkipCache {
		s.respCache.Put(ctx, tenantID, query, resp)
	}
	return resp, nil
}

// preparation is the shared state of steps 2-6, reused by the
// streaming path
type preparation struct {
	contextualized string
	contextText    string
	sources        []models.Source
	chunkIDs       []uuid.UUID
	retrievalMs    int64
	assemblyMs     int64
	chunksIn       int
	chunksUsed     int
	avgRelevance   float64

	// empty is set when retrieval found nothing above threshold
	empty *models.RagResponse
}

func (p *preparation) metrics() models.ResponseMetrics {
	return models.ResponseMetrics{
		RetrievalMs:     p.retrievalMs,
		AssemblyMs:      p.assemblyMs,
		ChunksRetrieved: p.chunksIn,
		ChunksUsed:      p.chunksUsed,
		AvgRelevance:    p.avgRelevance,
	}
}

// prepare runs steps 2-6. It returns a FAILED response instead of a
// preparation when embedding or retrieval fail.
func (s *Service) prepare(ctx context.Context, tenantID uuid.UUID, query string, opts QueryOptions) (*preparation, *models.RagResponse) {
	p := &preparation{}

	// Step 2: optimize
	optimized := query
	if !s.config.DisableOptimization {
		optimized, _ = s.optimizer.Optimize(query, optimizer.Options{
			ExpandAcronyms:  opts.ExpandAcronyms || s.config.ExpandAcronyms,
			RemoveStopwords: opts.RemoveStopwords || s.config.RemoveStopwords,
		})
	}

	// Step 3: contextualize, absorbing failures
	p.contextualized = optimized
	if s.conversations != nil && !s.config.DisableContextualization &&
		!opts.NoContextualize && opts.ConversationID != uuid.Nil {
		p.contextualized = s.conversations.Contextualize(ctx, opts.ConversationID, tenantID, optimized)
	}

	// Step 4: embed
	vector, err := s.engine.EmbedQuery(ctx, tenantID, p.contextualized, opts.Model)
	if err != nil {
		return nil, s.failed(fmt.Sprintf("query embedding failed: %v", err), p.metrics())
	}

	// Step 5: retrieve
	k := opts.MaxChunks
	if k <= 0 {
		k = s.config.MaxChunks
	}
	threshold := opts.RelevanceThreshold
	if threshold <= 0 {
		threshold = s.config.RelevanceThreshold
	}
	model := opts.Model
	if model == "" {
		model = s.engine.DefaultModel()
	}

	retrievalStart := time.Now()
	hits, err := s.store.TopK(ctx, tenantID, model, vector, k, threshold, opts.Filter)
	p.retrievalMs = time.Since(retrievalStart).Milliseconds()
	if err != nil {
		return nil, s.failed(fmt.Sprintf("retrieval failed: %v", err), p.metrics())
	}
	if s.metrics != nil {
		s.metrics.RetrievalDuration.Observe(float64(p.retrievalMs) / 1000)
		s.metrics.ChunksRetrieved.Observe(float64(len(hits)))
	}
	p.chunksIn = len(hits)

	if len(hits) == 0 {
		if s.metrics != nil {
			s.metrics.QueryEmptyResults.Inc()
		}
		p.empty = &models.RagResponse{Status: models.ResponseEmpty}
		p.empty.Metrics = p.metrics()
		return p, nil
	}

	// Step 6: assemble
	assemblyStart := time.Now()
	retrieved := make([]assembly.RetrievedChunk, len(hits))
	for i, hit := range hits {
		content, _ := hit.Metadata["content"].(string)
		retrieved[i] = assembly.RetrievedChunk{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			Content:    content,
			Score:      hit.Score,
			Metadata:   hit.Metadata,
		}
		p.chunkIDs = append(p.chunkIDs, hit.ChunkID)
		p.sources = append(p.sources, models.Source{
			DocumentID: hit.DocumentID,
			ChunkID:    hit.ChunkID,
			Title:      titleOf(hit.Metadata),
			Excerpt:    excerpt(content),
			Score:      hit.Score,
		})
	}
	contextText, stats := s.assembler.Assemble(retrieved)
	p.assemblyMs = time.Since(assemblyStart).Milliseconds()
	p.contextText = contextText
	p.chunksUsed = stats.ChunksIncluded
	p.avgRelevance = stats.AvgScore
	return p, nil
}

// record appends the exchange to conversation history. Failures degrade
// service but never the response.
func (s *Service) record(ctx context.Context, tenantID, userID, conversationID uuid.UUID, query string, resp *models.RagResponse) {
	if s.conversations == nil || conversationID == uuid.Nil || userID == uuid.Nil {
		return
	}
	chunkIDs := make([]uuid.UUID, 0, len(resp.Sources))
	for _, src := range resp.Sources {
		chunkIDs = append(chunkIDs, src.ChunkID)
	}
	if err := s.conversations.Append(ctx, conversationID, tenantID, userID, query, resp.Answer, chunkIDs); err != nil {
		s.logger.Warn("conversation append failed", map[string]interface{}{
			"conversation_id": conversationID.String(),
			"error":           err.Error(),
		})
	}
}

// HealthCheck verifies the retrieval index and the chat provider
// respond. The periodic dependency prober calls this to gauge whether
// the query path can serve at all.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	if err := s.chatter.HealthCheck(ctx); err != nil {
		return fmt.Errorf("chat provider: %w", err)
	}
	return nil
}

func (s *Service) failed(reason string, m models.ResponseMetrics) *models.RagResponse {
	if s.metrics != nil {
		s.metrics.QueryErrors.Inc()
	}
	return &models.RagResponse{
		Status:  models.ResponseFailed,
		Error:   reason,
		Metrics: m,
	}
}

func (s *Service) chatRequest(prep *preparation, opts QueryOptions) providers.ChatRequest {
	systemPrompt := s.config.SystemPrompt
	if opts.SystemPrompt != "" {
		systemPrompt = opts.SystemPrompt
	}
	maxTokens := s.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	return providers.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt(prep.contextText, prep.contextualized),
		Model:        s.config.ChatModel,
		MaxTokens:    maxTokens,
		Temperature:  s.config.Temperature,
	}
}

func userPrompt(contextText, question string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question)
}

func titleOf(metadata map[string]interface{}) string {
	title, _ := metadata["title"].(string)
	return title
}

// excerpt returns the first part of a chunk for source attribution
func excerpt(content string) string {
	const maxChars = 200
	if len(content) <= maxChars {
		return content
	}
	return content[:maxChars] + "…"
}
