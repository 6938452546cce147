package models

import (
	"github.com/google/uuid"
)

// ResponseStatus is the outcome classification of a query
type ResponseStatus string

const (
	// ResponseSuccess means an answer was generated from retrieved context
	ResponseSuccess ResponseStatus = "SUCCESS"
	// ResponseEmpty means retrieval returned nothing above threshold; this
	// is a normal outcome, not an error, and is cacheable
	ResponseEmpty ResponseStatus = "EMPTY"
	// ResponseFailed carries a human-readable error and no answer
	ResponseFailed ResponseStatus = "FAILED"
)

// Source describes one retrieved chunk backing an answer
type Source struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	Title      string    `json:"title,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Score      float64   `json:"score"`
}

// ResponseMetrics carries best-effort timing and accounting for one query
type ResponseMetrics struct {
	RetrievalMs     int64   `json:"retrieval_ms"`
	AssemblyMs      int64   `json:"assembly_ms"`
	GenerationMs    int64   `json:"generation_ms"`
	ChunksRetrieved int     `json:"chunks_retrieved"`
	ChunksUsed      int     `json:"chunks_used"`
	TokensGenerated int     `json:"tokens_generated"`
	AvgRelevance    float64 `json:"avg_relevance"`
	ProviderUsed    string  `json:"provider_used,omitempty"`
	FromCache       bool    `json:"from_cache"`
}

// RagResponse is the result of one query through the orchestrator.
// Sources are ordered by descending relevance.
type RagResponse struct {
	Status  ResponseStatus  `json:"status"`
	Answer  string          `json:"answer,omitempty"`
	Sources []Source        `json:"sources,omitempty"`
	Metrics ResponseMetrics `json:"metrics"`
	Error   string          `json:"error,omitempty"`
}
