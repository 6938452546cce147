// ragd wires the RAG core: it connects Postgres, Redis, blob storage and
// the event bus, starts the ingestion consumer, exposes Prometheus
// metrics, and probes dependency health on a schedule.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/contextmesh/ragcore/pkg/assembly"
	"github.com/contextmesh/ragcore/pkg/cache"
	"github.com/contextmesh/ragcore/pkg/config"
	"github.com/contextmesh/ragcore/pkg/conversation"
	"github.com/contextmesh/ragcore/pkg/embedding"
	embcache "github.com/contextmesh/ragcore/pkg/embedding/cache"
	"github.com/contextmesh/ragcore/pkg/metrics"
	"github.com/contextmesh/ragcore/pkg/observability"
	"github.com/contextmesh/ragcore/pkg/optimizer"
	"github.com/contextmesh/ragcore/pkg/pipeline"
	"github.com/contextmesh/ragcore/pkg/providers"
	"github.com/contextmesh/ragcore/pkg/queue"
	"github.com/contextmesh/ragcore/pkg/rag"
	"github.com/contextmesh/ragcore/pkg/repository"
	"github.com/contextmesh/ragcore/pkg/storage"
	"github.com/contextmesh/ragcore/pkg/vectorstore"

	_ "github.com/lib/pq"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("ragd")
	m := metrics.New(nil)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, caches degrade to misses", map[string]interface{}{
			"address": cfg.Redis.Address,
			"error":   err.Error(),
		})
	}

	embedProvider, err := buildEmbedder(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build embedding provider: %v", err)
	}
	defer embedProvider.Close()

	chatProvider, err := buildChatter(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build chat provider: %v", err)
	}
	defer chatProvider.Close()

	vecStore := vectorstore.NewPostgresStore(db, logger)
	repo := repository.NewPostgresRepository(db, logger)

	embCache, err := embcache.New(redisClient, cfg.Embedding.EmbeddingCache(), logger, m)
	if err != nil {
		log.Fatalf("Failed to create embedding cache: %v", err)
	}

	engine, err := embedding.NewEngine(embedProvider, embCache, vecStore, repo, embedding.Config{
		DefaultModel:      cfg.Embedding.DefaultModel,
		BatchSize:         cfg.Embedding.BatchSize,
		TenantConcurrency: cfg.Embedding.PerTenantConcurrency,
	}, logger, m)
	if err != nil {
		log.Fatalf("Failed to create embedding engine: %v", err)
	}

	blobs, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create blob storage: %v", err)
	}

	bus, err := buildBus(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create event bus: %v", err)
	}

	chunker, err := cfg.Chunking.Chunker()
	if err != nil {
		log.Fatalf("Failed to create chunker: %v", err)
	}

	pipe, err := pipeline.New(repo, blobs, chunker, engine, bus, redisClient, pipeline.Config{
		Model:          cfg.Embedding.DefaultModel,
		MaxInFlight:    cfg.Pipeline.MaxInFlight,
		ReceiveBatch:   cfg.Pipeline.ReceiveBatch,
		WaitSeconds:    cfg.Pipeline.WaitSeconds,
		MarkTTL:        cfg.Pipeline.MarkTTL,
		BusProbePeriod: cfg.Pipeline.BusProbePeriod,
		ResumeAfter:    cfg.Pipeline.ResumeAfter,
	}, logger, m)
	if err != nil {
		log.Fatalf("Failed to create ingestion pipeline: %v", err)
	}

	convs, err := conversation.NewStore(redisClient, cfg.Conversation.Store(), logger)
	if err != nil {
		log.Fatalf("Failed to create conversation store: %v", err)
	}
	respCache, err := cache.NewResponseCache(redisClient, cfg.RAG.ResponseCache(), logger, m)
	if err != nil {
		log.Fatalf("Failed to create response cache: %v", err)
	}

	service, err := rag.NewService(engine, vecStore, chatProvider, convs, respCache,
		optimizer.New(cfg.Query.Optimizer()), assembly.New(cfg.RAG.Assembler()),
		cfg.Orchestrator(), logger, m)
	if err != nil {
		log.Fatalf("Failed to create query service: %v", err)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddress, logger)
	}

	var scheduler *cron.Cron
	if cfg.Probes.Enabled {
		scheduler = cron.New()
		probe := newProber(embedProvider, chatProvider, vecStore, bus, service, logger, m)
		if _, err := scheduler.AddFunc(cfg.Probes.Schedule, probe); err != nil {
			log.Fatalf("Invalid probe schedule %q: %v", cfg.Probes.Schedule, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	go func() {
		if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingestion consumer stopped", map[string]interface{}{
				"error": err.Error(),
			})
			cancel()
		}
	}()

	logger.Info("ragd started", map[string]interface{}{
		"storage_backend": cfg.Storage.Backend,
		"queue_backend":   cfg.Queue.Backend,
		"default_model":   cfg.Embedding.DefaultModel,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
	}
	cancel()
	// Give in-flight document processing a moment to finish
	time.Sleep(500 * time.Millisecond)
}

func buildEmbedder(cfg *config.Config, logger observability.Logger) (providers.EmbeddingProvider, error) {
	primary, err := newEmbeddingProvider(cfg, cfg.Embedding.PrimaryProvider)
	if err != nil {
		return nil, err
	}
	if cfg.Embedding.FallbackProvider == "" {
		return primary, nil
	}
	fallback, err := newEmbeddingProvider(cfg, cfg.Embedding.FallbackProvider)
	if err != nil {
		return nil, err
	}
	return providers.NewFallbackEmbedder(primary, fallback, logger), nil
}

func newEmbeddingProvider(cfg *config.Config, name string) (providers.EmbeddingProvider, error) {
	switch name {
	case "openai":
		p, err := providers.NewOpenAIProvider(cfg.Providers.OpenAI.Provider())
		if err != nil {
			return nil, err
		}
		return providers.NewResilientEmbedder(p, cfg.Providers.BreakerConfig(),
			cfg.Providers.OpenAI.MaxRequestsPerMinute), nil
	case "mock":
		return providers.NewMockProvider("mock", providers.WithDimensions(1536)), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", name)
	}
}

func buildChatter(cfg *config.Config, logger observability.Logger) (providers.ChatStreamingProvider, error) {
	primary, err := newChatProvider(cfg, cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.FallbackProvider == "" {
		return primary, nil
	}
	fallback, err := newChatProvider(cfg, cfg.LLM.FallbackProvider)
	if err != nil {
		return nil, err
	}
	return providers.NewFallbackChatter(primary, fallback, logger), nil
}

func newChatProvider(cfg *config.Config, name string) (providers.ChatStreamingProvider, error) {
	switch name {
	case "openai":
		p, err := providers.NewOpenAIProvider(cfg.Providers.OpenAI.Provider())
		if err != nil {
			return nil, err
		}
		return providers.NewResilientChatter(p, cfg.Providers.BreakerConfig(),
			cfg.Providers.OpenAI.MaxRequestsPerMinute), nil
	case "anthropic":
		p, err := providers.NewAnthropicProvider(cfg.Providers.Anthropic.Provider())
		if err != nil {
			return nil, err
		}
		return providers.NewResilientChatter(p, cfg.Providers.BreakerConfig(),
			cfg.Providers.Anthropic.MaxRequestsPerMinute), nil
	case "mock":
		return providers.NewMockProvider("mock", providers.WithDimensions(1536)), nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", name)
	}
}

func buildStorage(ctx context.Context, cfg *config.Config, logger observability.Logger) (storage.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3Store(ctx, cfg.Storage.S3Config(), logger)
	case "local":
		return storage.NewLocalStore(cfg.Storage.Local.Root)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildBus(ctx context.Context, cfg *config.Config, logger observability.Logger) (queue.Bus, error) {
	switch cfg.Queue.Backend {
	case "sqs":
		return queue.NewSQSBus(ctx, cfg.Queue.SQSConfig(), logger)
	case "memory":
		return queue.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func serveMetrics(addr string, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", map[string]interface{}{"address": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", map[string]interface{}{"error": err.Error()})
	}
}

// newProber builds the periodic health probe. Each run checks every
// dependency with a short deadline and updates the health gauges.
func newProber(embedder providers.EmbeddingProvider, chatter providers.ChatProvider, store vectorstore.Store, bus queue.Bus, service *rag.Service, logger observability.Logger, m *metrics.Metrics) func() {
	check := func(ctx context.Context, name string, fn func(context.Context) error) {
		err := fn(ctx)
		healthy := 1.0
		if err != nil {
			healthy = 0
			logger.Warn("health probe failed", map[string]interface{}{
				"target": name,
				"error":  err.Error(),
			})
		}
		m.ProviderHealthy.WithLabelValues(name).Set(healthy)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		check(ctx, "embedding:"+embedder.Name(), embedder.HealthCheck)
		check(ctx, "chat:"+chatter.Name(), chatter.HealthCheck)
		check(ctx, "vectorstore", store.HealthCheck)
		check(ctx, "bus", bus.HealthCheck)
		check(ctx, "rag", service.HealthCheck)
	}
}
