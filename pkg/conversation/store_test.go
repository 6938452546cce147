package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

func newTestStore(t *testing.T, config Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, config, observability.NewNoopLogger())
	require.NoError(t, err)
	return store, mr
}

func TestAppend_CreatesAndAppends(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, user, "first question", "first answer", nil))
	require.NoError(t, store.Append(ctx, conv, tenant, user, "second question", "second answer", []uuid.UUID{uuid.New()}))

	got, err := store.Get(ctx, conv, tenant)
	require.NoError(t, err)
	require.Len(t, got.Exchanges, 2)
	assert.Equal(t, "first question", got.Exchanges[0].UserQuery)
	assert.Equal(t, "second answer", got.Exchanges[1].AIResponse)
	assert.Len(t, got.Exchanges[1].SourceChunkIDs, 1)
}

func TestAppend_TimestampsStrictlyIncreasing(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(ctx, conv, tenant, user, fmt.Sprintf("q%d", i), "a", nil))
	}

	got, err := store.Get(ctx, conv, tenant)
	require.NoError(t, err)
	for i := 1; i < len(got.Exchanges); i++ {
		assert.True(t, got.Exchanges[i].Timestamp.After(got.Exchanges[i-1].Timestamp))
	}
}

func TestAppend_MaxHistoryFIFO(t *testing.T) {
	store, _ := newTestStore(t, Config{MaxHistory: 3})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	for i := 0; i < 6; i++ {
		require.NoError(t, store.Append(ctx, conv, tenant, user, fmt.Sprintf("question %d", i), "answer", nil))
	}

	got, err := store.Get(ctx, conv, tenant)
	require.NoError(t, err)
	require.Len(t, got.Exchanges, 3)
	// The oldest exchanges were dropped
	assert.Equal(t, "question 3", got.Exchanges[0].UserQuery)
	assert.Equal(t, "question 5", got.Exchanges[2].UserQuery)
}

func TestAppend_TenantMismatchRejected(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, uuid.New(), "q", "a", nil))
	err := store.Append(ctx, conv, uuid.New(), uuid.New(), "q2", "a2", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTenantMismatch)
}

func TestAppend_ConcurrentAppendsAllLand(t *testing.T) {
	store, _ := newTestStore(t, Config{MaxHistory: 100})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Append(ctx, conv, tenant, user, fmt.Sprintf("q%d", i), "a", nil)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, conv, tenant)
	require.NoError(t, err)
	assert.Len(t, got.Exchanges, 20)
}

func TestAppend_RefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, Config{TTL: time.Hour})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, uuid.New(), "q1", "a1", nil))
	mr.FastForward(45 * time.Minute)
	require.NoError(t, store.Append(ctx, conv, tenant, uuid.New(), "q2", "a2", nil))
	mr.FastForward(45 * time.Minute)

	// 90 minutes after creation but only 45 after the last append
	_, err := store.Get(ctx, conv, tenant)
	assert.NoError(t, err)

	mr.FastForward(time.Hour)
	_, err = store.Get(ctx, conv, tenant)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGet_TenantScoped(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, uuid.New(), "q", "a", nil))
	_, err := store.Get(ctx, conv, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestContextualize_AbsentConversationReturnsQueryUnchanged(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	query := "what about pricing?"
	got := store.Contextualize(context.Background(), uuid.New(), uuid.New(), query)
	assert.Equal(t, query, got)
}

func TestContextualize_UsesRecentWindow(t *testing.T) {
	store, _ := newTestStore(t, Config{ContextWindow: 2})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, user, "oldest question", "oldest answer", nil))
	require.NoError(t, store.Append(ctx, conv, tenant, user, "middle question", "middle answer", nil))
	require.NoError(t, store.Append(ctx, conv, tenant, user, "latest question", "latest answer", nil))

	enhanced := store.Contextualize(ctx, conv, tenant, "and what next?")
	assert.Contains(t, enhanced, "middle question")
	assert.Contains(t, enhanced, "latest question")
	assert.NotContains(t, enhanced, "oldest question")
	assert.Contains(t, enhanced, "and what next?")
}

func TestContextualize_RedisDownReturnsQueryUnchanged(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	conv := uuid.New()
	tenant := uuid.New()
	require.NoError(t, store.Append(context.Background(), conv, tenant, uuid.New(), "q", "a", nil))

	mr.Close()
	got := store.Contextualize(context.Background(), conv, tenant, "plain query")
	assert.Equal(t, "plain query", got)
}

func TestFindSimilar_RanksByJaccard(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, user, "how do I reset my password", "...", nil))
	require.NoError(t, store.Append(ctx, conv, tenant, user, "what is the weather today", "...", nil))
	require.NoError(t, store.Append(ctx, conv, tenant, user, "reset password for my account", "...", nil))

	matches, err := store.FindSimilar(ctx, conv, tenant, "how to reset my password", 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "how do I reset my password", matches[0].UserQuery)
	for _, m := range matches {
		assert.NotEqual(t, "what is the weather today", m.UserQuery)
	}
}

func TestFindSimilar_LimitAndMissingConversation(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	matches, err := store.FindSimilar(ctx, uuid.New(), uuid.New(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	conv := uuid.New()
	tenant := uuid.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, conv, tenant, uuid.New(), "repeat the same query", "a", nil))
	}
	matches, err = store.FindSimilar(ctx, conv, tenant, "repeat the same query", 2)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, uuid.New(), "q", "a", nil))

	// Wrong tenant cannot delete
	removed, err := store.Delete(ctx, conv, uuid.New())
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = store.Delete(ctx, conv, tenant)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete(ctx, conv, tenant)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSummary(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	conv := uuid.New()
	tenant := uuid.New()
	user := uuid.New()

	require.NoError(t, store.Append(ctx, conv, tenant, user, "first", "a1", nil))
	require.NoError(t, store.Append(ctx, conv, tenant, user, "last", "a2", nil))

	summary, err := store.Summary(ctx, conv, tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ExchangeCount)
	assert.Equal(t, "first", summary.FirstQuery)
	assert.Equal(t, "last", summary.LastQuery)
	assert.Equal(t, user, summary.UserID)
}
