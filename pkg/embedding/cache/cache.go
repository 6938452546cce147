// Package cache provides a two-tier, tenant-isolated embedding cache.
// Level one is an in-process LRU; level two is Redis. The cache is a
// strict optimization: every failure degrades to a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextmesh/ragcore/pkg/metrics"
	"github.com/contextmesh/ragcore/pkg/observability"
)

const keyPrefix = "ragcore:emb"

// Config tunes the embedding cache
type Config struct {
	TTL     time.Duration `mapstructure:"ttl"`
	LRUSize int           `mapstructure:"lru_size"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		TTL:     time.Hour,
		LRUSize: 10000,
	}
}

// EmbeddingCache maps hash(tenant, normalized text, model) to a vector.
// A nil Redis client disables the second tier; the LRU still works.
type EmbeddingCache struct {
	redis   *redis.Client
	local   *lru.Cache[string, []float32]
	config  Config
	logger  observability.Logger
	metrics *metrics.Metrics
}

// New creates an embedding cache
func New(redisClient *redis.Client, config Config, logger observability.Logger, m *metrics.Metrics) (*EmbeddingCache, error) {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.LRUSize <= 0 {
		config.LRUSize = DefaultConfig().LRUSize
	}
	if logger == nil {
		logger = observability.NewLogger("embedding.cache")
	}

	local, err := lru.New[string, []float32](config.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &EmbeddingCache{
		redis:   redisClient,
		local:   local,
		config:  config,
		logger:  logger,
		metrics: m,
	}, nil
}

// Get returns a cached vector, or false on miss. Redis errors count as
// misses and never surface.
func (c *EmbeddingCache) Get(ctx context.Context, tenantID uuid.UUID, model, text string) ([]float32, bool) {
	key := c.key(tenantID, model, text)

	if vec, ok := c.local.Get(key); ok {
		c.observe("hit", "lru")
		return vec, true
	}

	if c.redis == nil {
		c.observe("miss", "lru")
		return nil, false
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("embedding cache read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		c.observe("miss", "redis")
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("embedding cache entry corrupt, evicting", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.redis.Del(ctx, key)
		c.observe("miss", "redis")
		return nil, false
	}

	// Promote to the local tier
	c.local.Add(key, vec)
	c.observe("hit", "redis")
	return vec, true
}

// Put stores a vector in both tiers. Best effort.
func (c *EmbeddingCache) Put(ctx context.Context, tenantID uuid.UUID, model, text string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	key := c.key(tenantID, model, text)
	c.local.Add(key, vector)

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.config.TTL).Err(); err != nil {
		c.logger.Debug("embedding cache write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// InvalidateTenant drops all cached vectors for one tenant
func (c *EmbeddingCache) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	prefix := fmt.Sprintf("%s:%s:", keyPrefix, tenantID)
	for _, k := range c.local.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.local.Remove(k)
		}
	}

	if c.redis == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan tenant cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete tenant cache keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// key derives the tenant-prefixed content-addressed cache key. Text is
// whitespace-collapsed but case is preserved: embeddings are case
// sensitive, so "Hello" and "hello" must not share a vector.
func (c *EmbeddingCache) key(tenantID uuid.UUID, model, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tenantID, model, hex.EncodeToString(sum[:]))
}

func (c *EmbeddingCache) observe(outcome, tier string) {
	if c.metrics == nil {
		return
	}
	switch outcome {
	case "hit":
		c.metrics.EmbeddingCacheHits.WithLabelValues(tier).Inc()
	default:
		c.metrics.EmbeddingCacheMisses.WithLabelValues(tier).Inc()
	}
}
