// Package cache provides the tenant-scoped response cache sitting in
// front of the query pipeline. Best effort: misses and write failures
// never surface as errors.
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

	"github.com/contextmesh/ragcore/pkg/metrics"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

const keyPrefix = "ragcore:resp"

// Config tunes the response cache
type Config struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns default response cache configuration
func DefaultConfig() Config {
	return Config{TTL: time.Hour}
}

// ResponseCache maps fingerprint(tenant, query) to a full response
type ResponseCache struct {
	redis   *redis.Client
	config  Config
	logger  observability.Logger
	metrics *metrics.Metrics
}

// NewResponseCache creates a response cache
func NewResponseCache(redisClient *redis.Client, config Config, logger observability.Logger, m *metrics.Metrics) (*ResponseCache, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("%w: redis client is required", models.ErrInvalidInput)
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = observability.NewLogger("cache.response")
	}
	return &ResponseCache{redis: redisClient, config: config, logger: logger, metrics: m}, nil
}

// Get returns a cached response, or nil on miss. Redis failures are
// misses.
func (c *ResponseCache) Get(ctx context.Context, tenantID uuid.UUID, query string) *models.RagResponse {
	data, err := c.redis.Get(ctx, c.key(tenantID, query)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("response cache read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		c.miss()
		return nil
	}

	var resp models.RagResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("response cache entry corrupt, evicting", map[string]interface{}{
			"error": err.Error(),
		})
		c.redis.Del(ctx, c.key(tenantID, query))
		c.miss()
		return nil
	}
	if c.metrics != nil {
		c.metrics.ResponseCacheHits.Inc()
	}
	resp.Metrics.FromCache = true
	return &resp
}

// Put stores a response. Failures are logged and swallowed.
func (c *ResponseCache) Put(ctx context.Context, tenantID uuid.UUID, query string, resp *models.RagResponse) {
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("failed to marshal response for cache", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if err := c.redis.Set(ctx, c.key(tenantID, query), data, c.config.TTL).Err(); err != nil {
		c.logger.Debug("response cache write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// InvalidateTenant clears all cached responses for one tenant. Used
// when the tenant's documents change materially.
func (c *ResponseCache) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	pattern := fmt.Sprintf("%s:%s:*", keyPrefix, tenantID)
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan tenant response keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete tenant response keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// key fingerprints the canonicalized query under the tenant prefix.
// The tenant ID lives outside the hash so a collision can never cross
// tenants.
func (c *ResponseCache) key(tenantID uuid.UUID, query string) string {
	sum := sha256.Sum256([]byte(Canonicalize(query)))
	return fmt.Sprintf("%s:%s:%s", keyPrefix, tenantID, hex.EncodeToString(sum[:]))
}

// Canonicalize lower-cases and collapses whitespace
func Canonicalize(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func (c *ResponseCache) miss() {
	if c.metrics != nil {
		c.metrics.ResponseCacheMisses.Inc()
	}
}
