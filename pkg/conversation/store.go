// Package conversation holds bounded, tenant-scoped conversation history
// in Redis and derives contextualized queries from it.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

const keyPrefix = "ragcore:conv"

// Config tunes the conversation store
type Config struct {
	MaxHistory    int           `mapstructure:"max_history"`
	ContextWindow int           `mapstructure:"context_window"`
	TTL           time.Duration `mapstructure:"ttl"`

	// SimilarityThreshold is the Jaccard floor for FindSimilar
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// DefaultConfig returns default conversation configuration
func DefaultConfig() Config {
	return Config{
		MaxHistory:          20,
		ContextWindow:       5,
		TTL:                 24 * time.Hour,
		SimilarityThreshold: 0.3,
	}
}

// Store is the Redis-backed conversation store. Appends to the same
// conversation are serialized through a per-conversation lock.
type Store struct {
	redis  *redis.Client
	config Config
	logger observability.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewStore creates a conversation store
func NewStore(redisClient *redis.Client, config Config, logger observability.Logger) (*Store, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("%w: redis client is required", models.ErrInvalidInput)
	}
	defaults := DefaultConfig()
	if config.MaxHistory <= 0 {
		config.MaxHistory = defaults.MaxHistory
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = defaults.ContextWindow
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if logger == nil {
		logger = observability.NewLogger("conversation")
	}

	return &Store{
		redis:  redisClient,
		config: config,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// Append adds one exchange, creating the conversation if absent. The
// history bound is enforced FIFO and the TTL is refreshed.
func (s *Store) Append(ctx context.Context, conversationID, tenantID, userID uuid.UUID, userQuery, aiResponse string, sourceChunkIDs []uuid.UUID) error {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.load(ctx, conversationID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	now := time.Now()
	if conv == nil {
		conv = &models.Conversation{
			ID:        conversationID,
			TenantID:  tenantID,
			UserID:    userID,
			CreatedAt: now,
		}
	}
	if conv.TenantID != tenantID {
		return fmt.Errorf("%w: conversation %s belongs to tenant %s",
			models.ErrTenantMismatch, conversationID, conv.TenantID)
	}

	// Timestamps must be strictly increasing
	if n := len(conv.Exchanges); n > 0 && !now.After(conv.Exchanges[n-1].Timestamp) {
		now = conv.Exchanges[n-1].Timestamp.Add(time.Nanosecond)
	}

	conv.Exchanges = append(conv.Exchanges, models.Exchange{
		ID:             uuid.New(),
		UserID:         userID,
		UserQuery:      userQuery,
		AIResponse:     aiResponse,
		SourceChunkIDs: sourceChunkIDs,
		Timestamp:      now,
	})
	if len(conv.Exchanges) > s.config.MaxHistory {
		conv.Exchanges = conv.Exchanges[len(conv.Exchanges)-s.config.MaxHistory:]
	}
	conv.LastUpdatedAt = now

	return s.save(ctx, conv)
}

// Get loads a conversation scoped to the tenant
func (s *Store) Get(ctx context.Context, conversationID, tenantID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: conversation %s", models.ErrNotFound, conversationID)
	}
	return conv, nil
}

// Contextualize rewrites a query with the recent conversation turns.
// Any failure returns the query unchanged; contextualization never
// fails the outer request.
func (s *Store) Contextualize(ctx context.Context, conversationID, tenantID uuid.UUID, newQuery string) string {
	conv, err := s.Get(ctx, conversationID, tenantID)
	if err != nil || len(conv.Exchanges) == 0 {
		return newQuery
	}

	window := s.config.ContextWindow
	exchanges := conv.Exchanges
	if len(exchanges) > window {
		exchanges = exchanges[len(exchanges)-window:]
	}

	var b strings.Builder
	b.WriteString("Given the recent conversation:\n")
	for _, ex := range exchanges {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", ex.UserQuery, summarizeResponse(ex.AIResponse))
	}
	fmt.Fprintf(&b, "\nCurrent question: %s", newQuery)
	return b.String()
}

// FindSimilar ranks past exchanges by Jaccard similarity of their user
// queries against the given query
func (s *Store) FindSimilar(ctx context.Context, conversationID, tenantID uuid.UUID, query string, limit int) ([]models.Exchange, error) {
	if limit <= 0 {
		return nil, nil
	}
	conv, err := s.Get(ctx, conversationID, tenantID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	queryTokens := tokenize(query)
	type scored struct {
		exchange models.Exchange
		score    float64
	}
	var matches []scored
	for _, ex := range conv.Exchanges {
		score := jaccard(queryTokens, tokenize(ex.UserQuery))
		if score >= s.config.SimilarityThreshold {
			matches = append(matches, scored{exchange: ex, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]models.Exchange, len(matches))
	for i := range matches {
		out[i] = matches[i].exchange
	}
	return out, nil
}

// Delete removes a conversation; returns whether it existed
func (s *Store) Delete(ctx context.Context, conversationID, tenantID uuid.UUID) (bool, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if conv.TenantID != tenantID {
		return false, nil
	}
	removed, err := s.redis.Del(ctx, key(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	return removed > 0, nil
}

// Summary returns a derived read-only view of a conversation
func (s *Store) Summary(ctx context.Context, conversationID, tenantID uuid.UUID) (*models.ConversationSummary, error) {
	conv, err := s.Get(ctx, conversationID, tenantID)
	if err != nil {
		return nil, err
	}

	summary := &models.ConversationSummary{
		ID:            conv.ID,
		TenantID:      conv.TenantID,
		UserID:        conv.UserID,
		ExchangeCount: len(conv.Exchanges),
		CreatedAt:     conv.CreatedAt,
		LastUpdatedAt: conv.LastUpdatedAt,
	}
	if len(conv.Exchanges) > 0 {
		summary.FirstQuery = conv.Exchanges[0].UserQuery
		summary.LastQuery = conv.Exchanges[len(conv.Exchanges)-1].UserQuery
	}
	return summary, nil
}

func (s *Store) load(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	data, err := s.redis.Get(ctx, key(conversationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: conversation %s", models.ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("conversation %s is corrupt: %w", conversationID, err)
	}
	return &conv, nil
}

func (s *Store) save(ctx context.Context, conv *models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := s.redis.Set(ctx, key(conv.ID), data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *Store) conversationLock(conversationID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

func key(conversationID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", keyPrefix, conversationID)
}

// summarizeResponse keeps contextualization prompts bounded
func summarizeResponse(response string) string {
	const maxChars = 300
	if len(response) <= maxChars {
		return response
	}
	cut := strings.LastIndex(response[:maxChars], " ")
	if cut <= 0 {
		cut = maxChars
	}
	return response[:cut] + "…"
}

// tokenize lower-cases and splits on non-alphanumerics
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		tokens[field] = struct{}{}
	}
	return tokens
}

// jaccard computes |A∩B| / |A∪B|
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
