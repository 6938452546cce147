package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/ragcore/pkg/embedding/cache"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/vectorstore"
)

type staticChunkSource struct {
	chunks []models.Chunk
	err    error
}

func (s *staticChunkSource) ListChunks(_ context.Context, _, _ uuid.UUID) ([]models.Chunk, error) {
	return s.chunks, s.err
}

func newTestEngine(t *testing.T, provider providers.EmbeddingProvider, config Config, source ChunkSource) (*Engine, *vectorstore.MemoryStore) {
	t.Helper()
	store := vectorstore.NewMemoryStore()
	embCache, err := cache.New(nil, cache.DefaultConfig(), observability.NewNoopLogger(), nil)
	require.NoError(t, err)

	engine, err := NewEngine(provider, embCache, store, source, config, observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	return engine, store
}

func makeChunks(tenantID, docID uuid.UUID, n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			TenantID:   tenantID,
			Ordinal:    i,
			Content:    fmt.Sprintf("chunk content number %d", i),
			TokenCount: 5,
		}
	}
	return chunks
}

func TestEmbedQuery_CachesResult(t *testing.T) {
	mock := providers.NewMockProvider("mock", providers.WithDimensions(8))
	engine, _ := newTestEngine(t, mock, Config{}, nil)
	tenant := uuid.New()

	vec1, err := engine.EmbedQuery(context.Background(), tenant, "what is the refund policy", "")
	require.NoError(t, err)
	require.Len(t, vec1, 8)

	vec2, err := engine.EmbedQuery(context.Background(), tenant, "what is the refund policy", "")
	require.NoError(t, err)
	assert.Equal(t, vec1, vec2)
	// Second call was served from cache
	assert.Len(t, mock.EmbedCalls(), 1)
}

func TestEmbedQuery_EmptyTextRejected(t *testing.T) {
	engine, _ := newTestEngine(t, providers.NewMockProvider("mock"), Config{}, nil)

	_, err := engine.EmbedQuery(context.Background(), uuid.New(), "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestEmbedChunks_ResultsInInputOrder(t *testing.T) {
	mock := providers.NewMockProvider("mock", providers.WithDimensions(4))
	engine, store := newTestEngine(t, mock, Config{BatchSize: 3, TenantConcurrency: 4}, nil)
	tenant := uuid.New()
	doc := uuid.New()
	chunks := makeChunks(tenant, doc, 10)

	results, err := engine.EmbedChunks(context.Background(), tenant, "m", chunks)
	require.NoError(t, err)
	require.Len(t, results, len(chunks))

	for i, r := range results {
		assert.Equal(t, chunks[i].ID, r.ChunkID, "result %d out of order", i)
		assert.Equal(t, models.ChunkEmbeddingSuccess, r.Status)
		assert.Len(t, r.Vector, 4)
	}
	assert.Equal(t, len(chunks), store.Count(tenant, "m"))
}

func TestEmbedChunks_TenantMismatchRejected(t *testing.T) {
	engine, _ := newTestEngine(t, providers.NewMockProvider("mock"), Config{}, nil)
	tenant := uuid.New()
	chunks := makeChunks(uuid.New(), uuid.New(), 2)

	_, err := engine.EmbedChunks(context.Background(), tenant, "m", chunks)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTenantMismatch)
}

func TestEmbedChunks_EmptyInput(t *testing.T) {
	engine, _ := newTestEngine(t, providers.NewMockProvider("mock"), Config{}, nil)

	results, err := engine.EmbedChunks(context.Background(), uuid.New(), "m", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEmbedChunks_ProviderOutageAllFailed(t *testing.T) {
	mock := providers.NewMockProvider("mock",
		providers.WithEmbedError(providers.ErrProviderUnavailable))
	engine, store := newTestEngine(t, mock, Config{
		BatchSize:     4,
		RetryInitial:  time.Millisecond,
		RetryMax:      2 * time.Millisecond,
		RetryAttempts: 2,
	}, nil)
	tenant := uuid.New()
	chunks := makeChunks(tenant, uuid.New(), 6)

	results, err := engine.EmbedChunks(context.Background(), tenant, "m", chunks)
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.True(t, AllFailed(results))
	for _, r := range results {
		assert.True(t, errors.Is(r.Error, providers.ErrProviderUnavailable))
	}
	// No partial commits for failed batches
	assert.Equal(t, 0, store.Count(tenant, "m"))
}

func TestEmbedChunks_TransientErrorIsRetried(t *testing.T) {
	mock := providers.NewMockProvider("mock", providers.WithDimensions(4),
		providers.WithEmbedError(providers.ErrProviderRateLimited))
	engine, _ := newTestEngine(t, mock, Config{
		BatchSize:     10,
		RetryInitial:  time.Millisecond,
		RetryMax:      2 * time.Millisecond,
		RetryAttempts: 3,
	}, nil)
	tenant := uuid.New()
	chunks := makeChunks(tenant, uuid.New(), 2)

	// Clear the failure after the first attempt fires
	go func() {
		time.Sleep(5 * time.Millisecond)
		mock.SetEmbedError(nil)
	}()

	results, err := engine.EmbedChunks(context.Background(), tenant, "m", chunks)
	require.NoError(t, err)
	assert.False(t, AnyFailed(results))
	assert.GreaterOrEqual(t, len(mock.EmbedCalls()), 2)
}

func TestEmbedChunks_NonTransientErrorNotRetried(t *testing.T) {
	mock := providers.NewMockProvider("mock",
		providers.WithEmbedError(providers.ErrModelNotFound))
	engine, _ := newTestEngine(t, mock, Config{
		BatchSize:     10,
		RetryInitial:  time.Millisecond,
		RetryAttempts: 3,
	}, nil)
	tenant := uuid.New()
	chunks := makeChunks(tenant, uuid.New(), 1)

	results, err := engine.EmbedChunks(context.Background(), tenant, "m", chunks)
	require.NoError(t, err)
	assert.True(t, AllFailed(results))
	assert.Len(t, mock.EmbedCalls(), 1)
}

func TestEmbedChunks_CancellationStopsWork(t *testing.T) {
	mock := providers.NewMockProvider("mock", providers.WithDimensions(4),
		providers.WithLatency(50*time.Millisecond))
	engine, _ := newTestEngine(t, mock, Config{BatchSize: 1, TenantConcurrency: 1}, nil)
	tenant := uuid.New()
	chunks := makeChunks(tenant, uuid.New(), 20)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.EmbedChunks(ctx, tenant, "m", chunks)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReEmbed_ReplacesVectors(t *testing.T) {
	tenant := uuid.New()
	doc := uuid.New()
	chunks := makeChunks(tenant, doc, 3)
	source := &staticChunkSource{chunks: chunks}

	mock := providers.NewMockProvider("mock", providers.WithDimensions(4))
	engine, store := newTestEngine(t, mock, Config{}, source)

	_, err := engine.EmbedChunks(context.Background(), tenant, "m", chunks)
	require.NoError(t, err)
	require.Equal(t, 3, store.Count(tenant, "m"))

	results, err := engine.ReEmbed(context.Background(), tenant, doc, "m")
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.False(t, AnyFailed(results))
	assert.Equal(t, 3, store.Count(tenant, "m"))
}

func TestReEmbed_RequiresChunkSource(t *testing.T) {
	engine, _ := newTestEngine(t, providers.NewMockProvider("mock"), Config{}, nil)

	_, err := engine.ReEmbed(context.Background(), uuid.New(), uuid.New(), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestDeterministicVectorsAreStable(t *testing.T) {
	mock := providers.NewMockProvider("mock", providers.WithDimensions(16))
	engine, _ := newTestEngine(t, mock, Config{}, nil)
	tenantA := uuid.New()
	tenantB := uuid.New()

	vecA, err := engine.EmbedQuery(context.Background(), tenantA, "same text", "")
	require.NoError(t, err)
	vecB, err := engine.EmbedQuery(context.Background(), tenantB, "same text", "")
	require.NoError(t, err)
	assert.Equal(t, vecA, vecB, "mock embeddings are content-addressed")
}
