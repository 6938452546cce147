// Package vectorstore provides the per-tenant, per-model embedding index
// with cosine-similarity top-k retrieval.
package vectorstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one stored vector with its chunk identity and metadata.
// Entries are keyed by (TenantID, Model, ChunkID); re-embedding replaces
// the stored vector rather than mutating it.
type Entry struct {
	TenantID   uuid.UUID              `json:"tenant_id" db:"tenant_id"`
	Model      string                 `json:"model" db:"model"`
	ChunkID    uuid.UUID              `json:"chunk_id" db:"chunk_id"`
	DocumentID uuid.UUID              `json:"document_id" db:"document_id"`
	Vector     []float32              `json:"-"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// SearchResult is one top-k hit. Score is cosine similarity in [-1, 1].
type SearchResult struct {
	ChunkID    uuid.UUID              `json:"chunk_id"`
	DocumentID uuid.UUID              `json:"document_id"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Filter is a conjunction of metadata equality predicates applied after
// candidate generation but before the k cut-off.
type Filter map[string]interface{}

// Store is the vector index. Implementations are safe for concurrent use
// and must enforce tenant scoping on every operation.
type Store interface {
	// Upsert stores a vector, replacing any prior vector for the same
	// (tenant, model, chunk) key. Idempotent.
	Upsert(ctx context.Context, entry Entry) error

	// Delete removes one vector. Missing is not an error.
	Delete(ctx context.Context, tenantID uuid.UUID, model string, chunkID uuid.UUID) error

	// DeleteDocument removes all vectors for a document under one model.
	DeleteDocument(ctx context.Context, tenantID uuid.UUID, model string, documentID uuid.UUID) error

	// TopK returns up to k entries with cosine similarity >= threshold,
	// sorted by score descending, ties broken by chunk ID ascending. A
	// zero-norm query vector yields an empty result.
	TopK(ctx context.Context, tenantID uuid.UUID, model string, queryVector []float32, k int, threshold float64, filter Filter) ([]SearchResult, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
