// Package embedding batches texts, consults the embedding cache, calls
// the provider adapters, and writes vectors into the vector index.
package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/contextmesh/ragcore/pkg/embedding/cache"
	"github.com/contextmesh/ragcore/pkg/metrics"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/vectorstore"
)

// Config tunes the embedding engine
type Config struct {
	DefaultModel      string        `mapstructure:"default_model"`
	BatchSize         int           `mapstructure:"batch_size"`
	TenantConcurrency int64         `mapstructure:"tenant_concurrency"`
	RetryInitial      time.Duration `mapstructure:"retry_initial"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		DefaultModel:      "text-embedding-3-small",
		BatchSize:         32,
		TenantConcurrency: 4,
		RetryInitial:      250 * time.Millisecond,
		RetryMax:          5 * time.Second,
		RetryAttempts:     3,
	}
}

// ChunkSource supplies a document's current chunks for re-embedding
type ChunkSource interface {
	ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]models.Chunk, error)
}

// Engine coordinates embedding generation. Sub-batches of one call run in
// parallel up to a per-tenant concurrency cap; results always come back in
// input chunk order.
type Engine struct {
	provider providers.EmbeddingProvider
	cache    *cache.EmbeddingCache
	store    vectorstore.Store
	chunks   ChunkSource
	config   Config
	logger   observability.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	tenantSems map[uuid.UUID]*semaphore.Weighted
}

// NewEngine creates an embedding engine. The cache and chunk source are
// optional; the provider and store are not.
func NewEngine(provider providers.EmbeddingProvider, embCache *cache.EmbeddingCache, store vectorstore.Store, chunks ChunkSource, config Config, logger observability.Logger, m *metrics.Metrics) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", models.ErrInvalidInput)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: vector store is required", models.ErrInvalidInput)
	}
	defaults := DefaultConfig()
	if config.DefaultModel == "" {
		config.DefaultModel = defaults.DefaultModel
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.TenantConcurrency <= 0 {
		config.TenantConcurrency = defaults.TenantConcurrency
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = defaults.RetryMax
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.engine")
	}

	return &Engine{
		provider:   provider,
		cache:      embCache,
		store:      store,
		chunks:     chunks,
		config:     config,
		logger:     logger,
		metrics:    m,
		tenantSems: make(map[uuid.UUID]*semaphore.Weighted),
	}, nil
}

// DefaultModel returns the engine's configured default embedding model
func (e *Engine) DefaultModel() string {
	return e.config.DefaultModel
}

// EmbedQuery embeds one query text, consulting the cache first
func (e *Engine) EmbedQuery(ctx context.Context, tenantID uuid.UUID, text, model string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", models.ErrInvalidInput)
	}
	if model == "" {
		model = e.config.DefaultModel
	}

	if e.cache != nil {
		if vec, ok := e.cache.Get(ctx, tenantID, model, text); ok {
			return vec, nil
		}
	}

	vectors, err := e.embedWithRetry(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("provider returned %d vectors for one input", len(vectors))
	}

	if e.cache != nil {
		e.cache.Put(ctx, tenantID, model, text, vectors[0])
	}
	return vectors[0], nil
}

// EmbedChunks embeds a set of chunks, writing successful vectors to the
// cache and the vector index before returning. A failed sub-batch does not
// abort the call; its chunks come back FAILED after retries are exhausted.
func (e *Engine) EmbedChunks(ctx context.Context, tenantID uuid.UUID, model string, chunks []models.Chunk) ([]models.ChunkEmbeddingResult, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if model == "" {
		model = e.config.DefaultModel
	}
	for i := range chunks {
		if chunks[i].TenantID != tenantID {
			return nil, fmt.Errorf("%w: chunk %s belongs to tenant %s",
				models.ErrTenantMismatch, chunks[i].ID, chunks[i].TenantID)
		}
	}

	results := make([]models.ChunkEmbeddingResult, len(chunks))
	sem := e.tenantSemaphore(tenantID)

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(chunks); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		start, end := start, end

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			e.embedSubBatch(gctx, tenantID, model, chunks[start:end], results[start:end])
			return nil
		})
	}
	// The only group error is context cancellation
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		for i := range results {
			if results[i].Status == models.ChunkEmbeddingSuccess {
				e.metrics.EmbeddingsGenerated.Inc()
			}
		}
	}
	return results, nil
}

// ReEmbed deletes a document's vectors under the given model and embeds
// its current chunks from scratch
func (e *Engine) ReEmbed(ctx context.Context, tenantID, documentID uuid.UUID, model string) ([]models.ChunkEmbeddingResult, error) {
	if e.chunks == nil {
		return nil, fmt.Errorf("%w: no chunk source configured", models.ErrInvalidInput)
	}
	if model == "" {
		model = e.config.DefaultModel
	}

	chunks, err := e.chunks.ListChunks(ctx, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks for document %s: %w", documentID, err)
	}
	if err := e.store.DeleteDocument(ctx, tenantID, model, documentID); err != nil {
		return nil, fmt.Errorf("failed to delete prior vectors: %w", err)
	}
	return e.EmbedChunks(ctx, tenantID, model, chunks)
}

// embedSubBatch embeds one sub-batch, retrying transient provider errors,
// and fills the corresponding result slots
func (e *Engine) embedSubBatch(ctx context.Context, tenantID uuid.UUID, model string, chunks []models.Chunk, results []models.ChunkEmbeddingResult) {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}

	vectors, err := e.embedWithRetry(ctx, texts, model)
	if err != nil || len(vectors) != len(chunks) {
		if err == nil {
			err = fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(chunks))
		}
		e.logger.Warn("sub-batch embedding failed", map[string]interface{}{
			"tenant_id": tenantID.String(),
			"model":     model,
			"size":      len(chunks),
			"error":     err.Error(),
		})
		for i := range chunks {
			results[i] = models.ChunkEmbeddingResult{
				ChunkID: chunks[i].ID,
				Status:  models.ChunkEmbeddingFailed,
				Error:   err,
			}
		}
		return
	}

	for i := range chunks {
		// Chunk content rides along in the index metadata so retrieval
		// does not need a second lookup
		meta := make(map[string]interface{}, len(chunks[i].Metadata)+3)
		for k, v := range chunks[i].Metadata {
			meta[k] = v
		}
		meta["content"] = chunks[i].Content
		meta["ordinal"] = chunks[i].Ordinal
		meta["token_count"] = chunks[i].TokenCount

		entry := vectorstore.Entry{
			TenantID:   tenantID,
			Model:      model,
			ChunkID:    chunks[i].ID,
			DocumentID: chunks[i].DocumentID,
			Vector:     vectors[i],
			Metadata:   meta,
		}
		if err := e.store.Upsert(ctx, entry); err != nil {
			results[i] = models.ChunkEmbeddingResult{
				ChunkID: chunks[i].ID,
				Status:  models.ChunkEmbeddingFailed,
				Error:   err,
			}
			continue
		}
		if e.cache != nil {
			e.cache.Put(ctx, tenantID, model, chunks[i].Content, vectors[i])
		}
		results[i] = models.ChunkEmbeddingResult{
			ChunkID: chunks[i].ID,
			Status:  models.ChunkEmbeddingSuccess,
			Vector:  vectors[i],
		}
	}
}

// embedWithRetry calls the provider with bounded exponential backoff on
// transient errors. Non-transient errors fail immediately.
func (e *Engine) embedWithRetry(ctx context.Context, texts []string, model string) ([][]float32, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.config.RetryInitial
	policy.MaxInterval = e.config.RetryMax
	policy.MaxElapsedTime = 0

	var vectors [][]float32
	operation := func() error {
		batch, err := e.provider.EmbedBatch(ctx, texts, model)
		if err != nil {
			if providers.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		vectors = batch.Vectors
		return nil
	}

	wrapped := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(e.config.RetryAttempts-1)), ctx)
	if err := backoff.Retry(operation, wrapped); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *Engine) tenantSemaphore(tenantID uuid.UUID) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.tenantSems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(e.config.TenantConcurrency)
		e.tenantSems[tenantID] = sem
	}
	return sem
}

// AllFailed reports whether every result in the set failed
func AllFailed(results []models.ChunkEmbeddingResult) bool {
	if len(results) == 0 {
		return false
	}
	for i := range results {
		if results[i].Status != models.ChunkEmbeddingFailed {
			return false
		}
	}
	return true
}

// AnyFailed reports whether at least one result failed
func AnyFailed(results []models.ChunkEmbeddingResult) bool {
	for i := range results {
		if results[i].Status == models.ChunkEmbeddingFailed {
			return true
		}
	}
	return false
}
