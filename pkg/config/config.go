// Package config loads the daemon configuration from file and
// environment, applies defaults, and translates the externally visible
// option names into the per-package configuration structs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/contextmesh/ragcore/pkg/assembly"
	"github.com/contextmesh/ragcore/pkg/cache"
	"github.com/contextmesh/ragcore/pkg/chunking"
	"github.com/contextmesh/ragcore/pkg/conversation"
	embcache "github.com/contextmesh/ragcore/pkg/embedding/cache"
	"github.com/contextmesh/ragcore/pkg/optimizer"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/queue"
	"github.com/contextmesh/ragcore/pkg/rag"
	"github.com/contextmesh/ragcore/pkg/storage"
)

// Config holds the complete application configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Chunking     ChunkingConfig     `mapstructure:"chunking"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Query        QueryConfig        `mapstructure:"query"`
	RAG          RAGConfig          `mapstructure:"rag"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Probes       ProbesConfig       `mapstructure:"probes"`
}

// DatabaseConfig configures the Postgres connection
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max-open-conns"`
	MaxIdleConns    int           `mapstructure:"max-idle-conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn-max-lifetime"`
}

// RedisConfig configures the shared Redis client
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool-size"`
}

// StorageConfig selects and configures the blob storage backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "s3" or "local"

	Local struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"local"`

	S3 struct {
		Region         string `mapstructure:"region"`
		Bucket         string `mapstructure:"bucket"`
		Endpoint       string `mapstructure:"endpoint"`
		ForcePathStyle bool   `mapstructure:"force-path-style"`
	} `mapstructure:"s3"`
}

// QueueConfig selects and configures the event bus backend
type QueueConfig struct {
	Backend string `mapstructure:"backend"` // "sqs" or "memory"

	SQS struct {
		Region   string `mapstructure:"region"`
		QueueURL string `mapstructure:"queue-url"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"sqs"`
}

// ProviderConfig configures one upstream provider
type ProviderConfig struct {
	APIKey               string        `mapstructure:"api-key"`
	Endpoint             string        `mapstructure:"endpoint"`
	RequestTimeout       time.Duration `mapstructure:"request-timeout"`
	MaxRequestsPerMinute int           `mapstructure:"max-requests-per-minute"`
}

// ProvidersConfig holds all provider credentials plus breaker tuning
type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`

	Breaker struct {
		FailureThreshold uint32        `mapstructure:"failure-threshold"`
		OpenTimeout      time.Duration `mapstructure:"open-timeout"`
		HalfOpenRequests uint32        `mapstructure:"half-open-requests"`
	} `mapstructure:"breaker"`
}

// LLMConfig selects the chat providers and generation parameters
type LLMConfig struct {
	DefaultProvider  string  `mapstructure:"default-provider"`
	FallbackProvider string  `mapstructure:"fallback-provider"`
	TimeoutSeconds   int     `mapstructure:"timeout-seconds"`
	Model            string  `mapstructure:"model"`
	MaxTokens        int     `mapstructure:"max-tokens"`
	Temperature      float64 `mapstructure:"temperature"`
}

// EmbeddingConfig selects the embedding providers and engine tuning
type EmbeddingConfig struct {
	PrimaryProvider      string `mapstructure:"primary-provider"`
	FallbackProvider     string `mapstructure:"fallback-provider"`
	DefaultModel         string `mapstructure:"default-model"`
	BatchSize            int    `mapstructure:"batch-size"`
	PerTenantConcurrency int64  `mapstructure:"per-tenant-concurrency"`

	Cache struct {
		TTLSeconds int `mapstructure:"ttl-seconds"`
		LRUSize    int `mapstructure:"lru-size"`
	} `mapstructure:"cache"`
}

// ChunkingConfig selects the chunking strategy and its bounds
type ChunkingConfig struct {
	Strategy      string `mapstructure:"strategy"` // "semantic", "fixed", "sliding"
	TargetTokens  int    `mapstructure:"target-tokens"`
	OverlapTokens int    `mapstructure:"overlap-tokens"`
	MaxTokens     int    `mapstructure:"max-tokens"`
	MinTokens     int    `mapstructure:"min-tokens"`
	WindowTokens  int    `mapstructure:"window-tokens"`
	StrideTokens  int    `mapstructure:"stride-tokens"`
}

// PipelineConfig tunes the ingestion consumer
type PipelineConfig struct {
	MaxInFlight    int64         `mapstructure:"max-in-flight"`
	ReceiveBatch   int32         `mapstructure:"receive-batch"`
	WaitSeconds    int32         `mapstructure:"wait-seconds"`
	MarkTTL        time.Duration `mapstructure:"mark-ttl"`
	BusProbePeriod time.Duration `mapstructure:"bus-probe-period"`
	ResumeAfter    time.Duration `mapstructure:"resume-after"`
}

// ConversationConfig tunes history bounds and contextualization
type ConversationConfig struct {
	MaxHistory          int     `mapstructure:"max-history"`
	ContextWindow       int     `mapstructure:"context-window"`
	TTLHours            int     `mapstructure:"ttl-hours"`
	EnableContext       bool    `mapstructure:"enable-context"`
	AppendOnCacheHit    bool    `mapstructure:"append-on-cache-hit"`
	SimilarityThreshold float64 `mapstructure:"similarity-threshold"`
}

// QueryConfig tunes the query optimizer
type QueryConfig struct {
	Optimization struct {
		Enabled         bool `mapstructure:"enabled"`
		MinLength       int  `mapstructure:"min-length"`
		ExpandAcronyms  bool `mapstructure:"expand-acronyms"`
		RemoveStopwords bool `mapstructure:"remove-stopwords"`
	} `mapstructure:"optimization"`
}

// RAGConfig tunes context assembly, retrieval, and the response cache
type RAGConfig struct {
	Context struct {
		MaxTokens          int     `mapstructure:"max-tokens"`
		RelevanceThreshold float64 `mapstructure:"relevance-threshold"`
		IncludeMetadata    bool    `mapstructure:"include-metadata"`
	} `mapstructure:"context"`

	MaxChunks int `mapstructure:"max-chunks"`

	Cache struct {
		TTLSeconds int `mapstructure:"ttl-seconds"`
	} `mapstructure:"cache"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen-address"`
}

// ProbesConfig schedules periodic provider and store health probes
type ProbesConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Load loads configuration from file and environment variables. The
// config file path comes from RAGCORE_CONFIG_FILE, defaulting to
// configs/ragcore.yaml; a missing file is fine when the environment
// carries the settings.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("RAGCORE_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/ragcore.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("RAGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "postgres://localhost:5432/ragcore?sslmode=disable")
	v.SetDefault("database.max-open-conns", 25)
	v.SetDefault("database.max-idle-conns", 5)
	v.SetDefault("database.conn-max-lifetime", 5*time.Minute)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.pool-size", 10)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.root", "data/blobs")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.endpoint", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.sqs.region", "us-east-1")
	v.SetDefault("queue.sqs.queue-url", "")
	v.SetDefault("queue.sqs.endpoint", "")

	// Empty-string defaults keep env-only overrides visible to Unmarshal
	v.SetDefault("providers.openai.api-key", "")
	v.SetDefault("providers.openai.endpoint", "")
	v.SetDefault("providers.openai.request-timeout", 30*time.Second)
	v.SetDefault("providers.anthropic.api-key", "")
	v.SetDefault("providers.anthropic.endpoint", "")
	v.SetDefault("providers.anthropic.request-timeout", 30*time.Second)
	v.SetDefault("providers.breaker.failure-threshold", 5)
	v.SetDefault("providers.breaker.open-timeout", 30*time.Second)
	v.SetDefault("providers.breaker.half-open-requests", 3)

	v.SetDefault("llm.default-provider", "openai")
	v.SetDefault("llm.timeout-seconds", 30)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("embedding.primary-provider", "openai")
	v.SetDefault("embedding.default-model", "text-embedding-3-small")
	v.SetDefault("embedding.batch-size", 32)
	v.SetDefault("embedding.per-tenant-concurrency", 4)
	v.SetDefault("embedding.cache.ttl-seconds", 3600)
	v.SetDefault("embedding.cache.lru-size", 10000)

	v.SetDefault("chunking.strategy", "semantic")
	v.SetDefault("chunking.target-tokens", 512)
	v.SetDefault("chunking.overlap-tokens", 50)
	v.SetDefault("chunking.max-tokens", 1024)
	v.SetDefault("chunking.min-tokens", 100)
	v.SetDefault("chunking.window-tokens", 512)
	v.SetDefault("chunking.stride-tokens", 384)

	v.SetDefault("pipeline.max-in-flight", 8)
	v.SetDefault("pipeline.receive-batch", 10)
	v.SetDefault("pipeline.wait-seconds", 20)
	v.SetDefault("pipeline.mark-ttl", 24*time.Hour)
	v.SetDefault("pipeline.bus-probe-period", 30*time.Second)
	v.SetDefault("pipeline.resume-after", 2*time.Minute)

	v.SetDefault("conversation.max-history", 20)
	v.SetDefault("conversation.context-window", 5)
	v.SetDefault("conversation.ttl-hours", 24)
	v.SetDefault("conversation.enable-context", true)
	v.SetDefault("conversation.append-on-cache-hit", false)
	v.SetDefault("conversation.similarity-threshold", 0.3)

	v.SetDefault("query.optimization.enabled", true)
	v.SetDefault("query.optimization.min-length", 3)
	v.SetDefault("query.optimization.expand-acronyms", true)
	v.SetDefault("query.optimization.remove-stopwords", false)

	v.SetDefault("rag.context.max-tokens", 4000)
	v.SetDefault("rag.context.relevance-threshold", 0.7)
	v.SetDefault("rag.context.include-metadata", true)
	v.SetDefault("rag.max-chunks", 10)
	v.SetDefault("rag.cache.ttl-seconds", 3600)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen-address", ":9090")

	v.SetDefault("probes.enabled", true)
	v.SetDefault("probes.schedule", "@every 30s")
}

// ProviderConfig converts to the providers package configuration
func (p ProviderConfig) Provider() providers.Config {
	return providers.Config{
		APIKey:               p.APIKey,
		Endpoint:             p.Endpoint,
		RequestTimeout:       p.RequestTimeout,
		MaxRequestsPerMinute: p.MaxRequestsPerMinute,
	}
}

// Breaker converts to the providers breaker configuration
func (p ProvidersConfig) BreakerConfig() providers.BreakerConfig {
	return providers.BreakerConfig{
		FailureThreshold: p.Breaker.FailureThreshold,
		OpenTimeout:      p.Breaker.OpenTimeout,
		HalfOpenRequests: p.Breaker.HalfOpenRequests,
	}
}

// Store converts to the conversation package configuration
func (c ConversationConfig) Store() conversation.Config {
	return conversation.Config{
		MaxHistory:          c.MaxHistory,
		ContextWindow:       c.ContextWindow,
		TTL:                 time.Duration(c.TTLHours) * time.Hour,
		SimilarityThreshold: c.SimilarityThreshold,
	}
}

// EmbeddingCache converts to the embedding cache configuration
func (e EmbeddingConfig) EmbeddingCache() embcache.Config {
	return embcache.Config{
		TTL:     time.Duration(e.Cache.TTLSeconds) * time.Second,
		LRUSize: e.Cache.LRUSize,
	}
}

// Assembler converts to the assembly package configuration
func (r RAGConfig) Assembler() assembly.Config {
	cfg := assembly.DefaultConfig()
	cfg.TokenBudget = r.Context.MaxTokens
	cfg.RelevanceFloor = r.Context.RelevanceThreshold
	cfg.IncludeHeaders = r.Context.IncludeMetadata
	return cfg
}

// ResponseCache converts to the response cache configuration
func (r RAGConfig) ResponseCache() cache.Config {
	return cache.Config{TTL: time.Duration(r.Cache.TTLSeconds) * time.Second}
}

// Optimizer converts to the optimizer package configuration
func (q QueryConfig) Optimizer() optimizer.Config {
	cfg := optimizer.DefaultConfig()
	cfg.MinLen = q.Optimization.MinLength
	return cfg
}

// Chunker builds the configured chunking strategy
func (c ChunkingConfig) Chunker() (chunking.Chunker, error) {
	strategy := chunking.Strategy(c.Strategy)
	if c.Strategy == "" {
		strategy = chunking.StrategySemantic
	}
	return chunking.New(strategy, chunking.Config{
		TargetTokens:  c.TargetTokens,
		OverlapTokens: c.OverlapTokens,
		MaxTokens:     c.MaxTokens,
		MinTokens:     c.MinTokens,
		WindowTokens:  c.WindowTokens,
		StrideTokens:  c.StrideTokens,
	})
}

// S3 converts to the storage package S3 configuration
func (s StorageConfig) S3Config() storage.S3Config {
	return storage.S3Config{
		Region:         s.S3.Region,
		Bucket:         s.S3.Bucket,
		Endpoint:       s.S3.Endpoint,
		ForcePathStyle: s.S3.ForcePathStyle,
	}
}

// Orchestrator assembles the query service configuration from the
// llm, rag, query and conversation sections
func (c *Config) Orchestrator() rag.Config {
	return rag.Config{
		ChatModel:                c.LLM.Model,
		MaxTokens:                c.LLM.MaxTokens,
		Temperature:              c.LLM.Temperature,
		MaxChunks:                c.RAG.MaxChunks,
		RelevanceThreshold:       c.RAG.Context.RelevanceThreshold,
		Timeout:                  time.Duration(c.LLM.TimeoutSeconds) * time.Second,
		AppendOnCacheHit:         c.Conversation.AppendOnCacheHit,
		DisableOptimization:      !c.Query.Optimization.Enabled,
		ExpandAcronyms:           c.Query.Optimization.ExpandAcronyms,
		RemoveStopwords:          c.Query.Optimization.RemoveStopwords,
		DisableContextualization: !c.Conversation.EnableContext,
	}
}

// SQSConfig converts to the queue package SQS configuration
func (q QueueConfig) SQSConfig() queue.SQSConfig {
	return queue.SQSConfig{
		Region:   q.SQS.Region,
		QueueURL: q.SQS.QueueURL,
		Endpoint: q.SQS.Endpoint,
	}
}
