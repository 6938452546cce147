package rag

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/ragcore/pkg/cache"
	"github.com/contextmesh/ragcore/pkg/conversation"
	"github.com/contextmesh/ragcore/pkg/embedding"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/vectorstore"
)

const (
	testDims   = 8
	testModel  = "text-embedding-3-small"
	testAnswer = "Refunds are processed within thirty days."
)

type fixture struct {
	service  *Service
	provider *providers.MockProvider
	store    *vectorstore.MemoryStore
	convs    *conversation.Store
	resp     *cache.ResponseCache
	redis    *miniredis.Miniredis
	tenant   uuid.UUID
	user     uuid.UUID
}

func newFixture(t *testing.T, opts ...providers.MockProviderOption) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, Config{}, opts...)
}

func newFixtureWithConfig(t *testing.T, cfg Config, opts ...providers.MockProviderOption) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := observability.NewNoopLogger()
	provider := providers.NewMockProvider("mock",
		append([]providers.MockProviderOption{
			providers.WithDimensions(testDims),
			providers.WithChatText(testAnswer),
		}, opts...)...)
	store := vectorstore.NewMemoryStore()

	engine, err := embedding.NewEngine(provider, nil, store, nil,
		embedding.Config{DefaultModel: testModel}, logger, nil)
	require.NoError(t, err)

	convs, err := conversation.NewStore(client, conversation.Config{}, logger)
	require.NoError(t, err)
	respCache, err := cache.NewResponseCache(client, cache.Config{TTL: time.Hour}, logger, nil)
	require.NoError(t, err)

	service, err := NewService(engine, store, provider, convs, respCache, nil, nil,
		cfg, logger, nil)
	require.NoError(t, err)

	return &fixture{
		service:  service,
		provider: provider,
		store:    store,
		convs:    convs,
		resp:     respCache,
		redis:    mr,
		tenant:   uuid.New(),
		user:     uuid.New(),
	}
}

// seed stores a chunk whose vector exactly matches the embedding of the
// given text, so a query with that text retrieves it with score 1
func (f *fixture) seed(t *testing.T, text string) uuid.UUID {
	t.Helper()
	chunkID := uuid.New()
	err := f.store.Upsert(context.Background(), vectorstore.Entry{
		TenantID:   f.tenant,
		Model:      testModel,
		ChunkID:    chunkID,
		DocumentID: uuid.New(),
		Vector:     providers.DeterministicVector(text, testDims),
		Metadata:   map[string]interface{}{"content": text, "title": "Refund FAQ"},
	})
	require.NoError(t, err)
	return chunkID
}

func TestQuery_HappyPath(t *testing.T) {
	f := newFixture(t)
	query := "what is the refund policy"
	chunkID := f.seed(t, query)

	resp, err := f.service.Query(context.Background(), f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ResponseSuccess, resp.Status)
	assert.Equal(t, testAnswer, resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, chunkID, resp.Sources[0].ChunkID)
	assert.Equal(t, "Refund FAQ", resp.Sources[0].Title)
	assert.InDelta(t, 1.0, resp.Sources[0].Score, 1e-6)
	assert.Equal(t, 1, resp.Metrics.ChunksRetrieved)
	assert.Equal(t, 1, resp.Metrics.ChunksUsed)
	assert.Equal(t, "mock", resp.Metrics.ProviderUsed)
	assert.Greater(t, resp.Metrics.TokensGenerated, 0)
	assert.False(t, resp.Metrics.FromCache)
}

func TestQuery_CacheHitSkipsPipeline(t *testing.T) {
	f := newFixture(t)
	query := "what is the refund policy"
	f.seed(t, query)
	ctx := context.Background()

	first, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ResponseSuccess, first.Status)
	chatCalls := len(f.provider.ChatCalls())
	embedCalls := len(f.provider.EmbedCalls())

	second, err := f.service.Query(ctx, f.tenant, f.user, "  What IS the refund policy ", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseSuccess, second.Status)
	assert.Equal(t, first.Answer, second.Answer)
	assert.True(t, second.Metrics.FromCache)
	assert.Len(t, f.provider.ChatCalls(), chatCalls)
	assert.Len(t, f.provider.EmbedCalls(), embedCalls)
}

func TestQuery_SkipCacheOption(t *testing.T) {
	f := newFixture(t)
	query := "what is the refund policy"
	f.seed(t, query)
	ctx := context.Background()

	_, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{SkipCache: true})
	require.NoError(t, err)
	assert.Nil(t, f.resp.Get(ctx, f.tenant, query))
}

func TestQuery_EmptyRetrievalIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.Query(ctx, f.tenant, f.user, "nothing matches this", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseEmpty, resp.Status)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, f.provider.ChatCalls())
	embedCalls := len(f.provider.EmbedCalls())

	second, err := f.service.Query(ctx, f.tenant, f.user, "nothing matches this", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseEmpty, second.Status)
	assert.True(t, second.Metrics.FromCache)
	assert.Len(t, f.provider.EmbedCalls(), embedCalls)
}

func TestQuery_EmbedFailureNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.SetEmbedError(providers.ErrModelNotFound)

	resp, err := f.service.Query(ctx, f.tenant, f.user, "broken embed", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseFailed, resp.Status)
	assert.Contains(t, resp.Error, "query embedding failed")
	assert.Empty(t, f.provider.ChatCalls())

	// Failure must not be served from cache once the provider recovers
	f.provider.SetEmbedError(nil)
	second, err := f.service.Query(ctx, f.tenant, f.user, "broken embed", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseEmpty, second.Status)
	assert.False(t, second.Metrics.FromCache)
}

func TestQuery_ChatFailureNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)
	f.provider.SetChatError(providers.ErrProviderUnavailable)

	resp, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseFailed, resp.Status)
	assert.Contains(t, resp.Error, "generation failed")
	assert.Nil(t, f.resp.Get(ctx, f.tenant, query))

	f.provider.SetChatError(nil)
	second, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseSuccess, second.Status)
}

func TestQuery_DeterministicForIdenticalInputs(t *testing.T) {
	f := newFixture(t)
	query := "what is the refund policy"
	f.seed(t, query)
	ctx := context.Background()

	first, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{SkipCache: true})
	require.NoError(t, err)
	second, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{SkipCache: true})
	require.NoError(t, err)

	require.Equal(t, models.ResponseSuccess, first.Status)
	require.Equal(t, models.ResponseSuccess, second.Status)
	assert.False(t, second.Metrics.FromCache)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Sources, second.Sources)
}

func TestQuery_SlowProviderFailsWithinDeadline(t *testing.T) {
	f := newFixtureWithConfig(t, Config{Timeout: 50 * time.Millisecond},
		providers.WithLatency(300*time.Millisecond))
	query := "what is the refund policy"
	f.seed(t, query)
	ctx := context.Background()

	start := time.Now()
	resp, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseFailed, resp.Status)
	assert.Contains(t, resp.Error, "generation failed")
	// One provider latency for the embedding plus the generation
	// deadline, with slack
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Nil(t, f.resp.Get(ctx, f.tenant, query))
}

func TestQuery_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	query := "what is the refund policy"
	f.seed(t, query)

	other := uuid.New()
	resp, err := f.service.Query(context.Background(), other, f.user, query, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseEmpty, resp.Status)
}

func TestQuery_AppendsToConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)
	convID := uuid.New()

	resp, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{ConversationID: convID})
	require.NoError(t, err)
	require.Equal(t, models.ResponseSuccess, resp.Status)

	conv, err := f.convs.Get(ctx, convID, f.tenant)
	require.NoError(t, err)
	require.Len(t, conv.Exchanges, 1)
	assert.Equal(t, query, conv.Exchanges[0].UserQuery)
	assert.Equal(t, testAnswer, conv.Exchanges[0].AIResponse)
	require.Len(t, conv.Exchanges[0].SourceChunkIDs, 1)
}

func TestQuery_FollowUpIsContextualized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)
	followUp := "how long does it take"
	f.seed(t, followUp)
	convID := uuid.New()

	_, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{ConversationID: convID})
	require.NoError(t, err)

	// The contextualized follow-up embeds differently from the raw text,
	// so it no longer matches the vector seeded for the raw follow-up
	resp, err := f.service.Query(ctx, f.tenant, f.user, followUp,
		QueryOptions{ConversationID: convID, SkipCache: true, RelevanceThreshold: 0.99})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseEmpty, resp.Status)

	raw, err := f.service.Query(ctx, f.tenant, f.user, followUp,
		QueryOptions{ConversationID: convID, SkipCache: true, NoContextualize: true, RelevanceThreshold: 0.99})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseSuccess, raw.Status)
}

func TestQuery_RedisOutageDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)
	f.redis.Close()

	resp, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{ConversationID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseSuccess, resp.Status)
	assert.Equal(t, testAnswer, resp.Answer)
}

func TestQuery_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Query(ctx, uuid.Nil, f.user, "q", QueryOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = f.service.Query(ctx, f.tenant, f.user, "   ", QueryOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func drain(t *testing.T, s Stream) string {
	t.Helper()
	var sb strings.Builder
	for {
		fragment, err := s.Recv()
		if err == io.EOF {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(fragment)
	}
}

func TestQueryStream_CompletionRecordsAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)
	convID := uuid.New()

	stream, err := f.service.QueryStream(ctx, f.tenant, f.user, query, QueryOptions{ConversationID: convID})
	require.NoError(t, err)
	defer stream.Close()

	answer := drain(t, stream)
	assert.Equal(t, testAnswer, answer)

	resp := stream.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.ResponseSuccess, resp.Status)
	assert.Equal(t, testAnswer, resp.Answer)
	require.Len(t, resp.Sources, 1)

	conv, err := f.convs.Get(ctx, convID, f.tenant)
	require.NoError(t, err)
	assert.Len(t, conv.Exchanges, 1)

	cached := f.resp.Get(ctx, f.tenant, query)
	require.NotNil(t, cached)
	assert.Equal(t, testAnswer, cached.Answer)
}

func TestQueryStream_AbandonmentSkipsSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)
	convID := uuid.New()

	stream, err := f.service.QueryStream(ctx, f.tenant, f.user, query, QueryOptions{ConversationID: convID})
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Nil(t, stream.Response())
	_, err = f.convs.Get(ctx, convID, f.tenant)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Nil(t, f.resp.Get(ctx, f.tenant, query))
}

func TestQueryStream_CacheHitReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	query := "what is the refund policy"
	f.seed(t, query)

	_, err := f.service.Query(ctx, f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	chatCalls := len(f.provider.ChatCalls())

	stream, err := f.service.QueryStream(ctx, f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	answer := drain(t, stream)
	assert.Equal(t, testAnswer, answer)

	resp := stream.Response()
	require.NotNil(t, resp)
	assert.True(t, resp.Metrics.FromCache)
	assert.Len(t, f.provider.ChatCalls(), chatCalls)
}

func TestQueryStream_EmptyRetrieval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stream, err := f.service.QueryStream(ctx, f.tenant, f.user, "nothing here", QueryOptions{})
	require.NoError(t, err)
	answer := drain(t, stream)
	assert.Empty(t, answer)

	resp := stream.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.ResponseEmpty, resp.Status)
}

func TestQueryStream_SlowProviderFailsWithinDeadline(t *testing.T) {
	f := newFixtureWithConfig(t, Config{Timeout: 50 * time.Millisecond},
		providers.WithLatency(300*time.Millisecond))
	query := "what is the refund policy"
	f.seed(t, query)

	stream, err := f.service.QueryStream(context.Background(), f.tenant, f.user, query, QueryOptions{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
	resp := stream.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.ResponseFailed, resp.Status)
	assert.Contains(t, resp.Error, "generation failed")
}

func TestService_HealthCheck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.service.HealthCheck(context.Background()))

	unhealthy := newFixture(t, providers.WithHealthCheckError(providers.ErrProviderUnavailable))
	err := unhealthy.service.HealthCheck(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrProviderUnavailable)
}

func TestQueryStream_EmbedFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.SetEmbedError(providers.ErrModelNotFound)

	stream, err := f.service.QueryStream(context.Background(), f.tenant, f.user, "broken", QueryOptions{})
	require.NoError(t, err)
	drain(t, stream)

	resp := stream.Response()
	require.NotNil(t, resp)
	assert.Equal(t, models.ResponseFailed, resp.Status)
	assert.Contains(t, resp.Error, "query embedding failed")
}
