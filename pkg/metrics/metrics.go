// Package metrics provides Prometheus metrics for the RAG core
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the RAG core
type Metrics struct {
	// Ingestion metrics
	DocumentsProcessed  prometheus.Counter
	DocumentsFailed     prometheus.Counter
	ChunksCreated       prometheus.Counter
	EmbeddingsGenerated prometheus.Counter
	IngestionDuration   prometheus.Histogram
	ActiveIngestions    prometheus.Gauge

	// Query metrics
	QueryRequests      prometheus.Counter
	QueryDuration      prometheus.Histogram
	QueryErrors        prometheus.Counter
	QueryEmptyResults  prometheus.Counter
	RetrievalDuration  prometheus.Histogram
	GenerationDuration prometheus.Histogram
	ChunksRetrieved    prometheus.Histogram

	// Cache metrics
	ResponseCacheHits    prometheus.Counter
	ResponseCacheMisses  prometheus.Counter
	EmbeddingCacheHits   *prometheus.CounterVec
	EmbeddingCacheMisses *prometheus.CounterVec

	// Provider metrics
	ProviderCalls      *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	ProviderFallbacks  *prometheus.CounterVec
	ProviderHealthy    *prometheus.GaugeVec
	CircuitBreakerOpen *prometheus.GaugeVec
}

// New creates and registers all RAG core metrics on the given registerer.
// Passing nil registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DocumentsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_documents_processed_total",
			Help: "Total number of documents fully processed",
		}),
		DocumentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_documents_failed_total",
			Help: "Total number of documents that failed processing",
		}),
		ChunksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_chunks_created_total",
			Help: "Total number of chunks created",
		}),
		EmbeddingsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_embeddings_generated_total",
			Help: "Total number of embeddings generated",
		}),
		IngestionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_ingestion_duration_seconds",
			Help:    "Duration of document ingestion in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ActiveIngestions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rag_active_ingestions",
			Help: "Number of documents currently being processed",
		}),

		QueryRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_query_requests_total",
			Help: "Total number of query requests",
		}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_query_duration_seconds",
			Help:    "End-to-end query latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		QueryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_query_errors_total",
			Help: "Total number of failed query requests",
		}),
		QueryEmptyResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_query_empty_results_total",
			Help: "Total number of queries with no relevant context",
		}),
		RetrievalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_retrieval_duration_seconds",
			Help:    "Vector retrieval latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_generation_duration_seconds",
			Help:    "LLM generation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ChunksRetrieved: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rag_chunks_retrieved",
			Help:    "Number of chunks returned per retrieval",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),

		ResponseCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_response_cache_hits_total",
			Help: "Total response cache hits",
		}),
		ResponseCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "rag_response_cache_misses_total",
			Help: "Total response cache misses",
		}),
		EmbeddingCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_embedding_cache_hits_total",
			Help: "Total embedding cache hits by tier",
		}, []string{"tier"}),
		EmbeddingCacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_embedding_cache_misses_total",
			Help: "Total embedding cache misses by tier",
		}, []string{"tier"}),

		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_provider_calls_total",
			Help: "Total provider calls by provider and operation",
		}, []string{"provider", "operation"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_provider_errors_total",
			Help: "Total provider errors by provider and operation",
		}, []string{"provider", "operation"}),
		ProviderFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_provider_fallbacks_total",
			Help: "Total times the fallback provider was used",
		}, []string{"capability"}),
		ProviderHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rag_provider_healthy",
			Help: "1 if the provider's last probe succeeded, 0 otherwise",
		}, []string{"provider"}),
		CircuitBreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rag_circuit_breaker_open",
			Help: "1 if the provider's circuit breaker is open",
		}, []string{"provider"}),
	}
}
