// Package models defines the core data models for the RAG system
package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle status of a document
type DocumentStatus string

// Document lifecycle states. The only legal transitions are
// PENDING -> PROCESSING -> {COMPLETED, FAILED}. FAILED is terminal;
// reprocessing creates a fresh attempt rather than a transition.
const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
)

// Document represents a document in the RAG system
type Document struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	TenantID    uuid.UUID              `json:"tenant_id" db:"tenant_id"`
	UserID      uuid.UUID              `json:"user_id" db:"user_id"`
	Title       string                 `json:"title" db:"title"`
	StorageRef  string                 `json:"storage_ref" db:"storage_ref"`
	ContentType string                 `json:"content_type" db:"content_type"`
	ContentHash string                 `json:"content_hash" db:"content_hash"`
	Status      DocumentStatus         `json:"status" db:"status"`
	StatusError string                 `json:"status_error,omitempty" db:"status_error"`
	ChunkCount  int                    `json:"chunk_count" db:"chunk_count"`
	Metadata    map[string]interface{} `json:"metadata" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Chunk represents a contiguous span of a document's text; the unit of
// retrieval. Immutable after creation. (DocumentID, Ordinal) is a secondary
// unique key.
type Chunk struct {
	ID         uuid.UUID              `json:"id" db:"id"`
	DocumentID uuid.UUID              `json:"document_id" db:"document_id"`
	TenantID   uuid.UUID              `json:"tenant_id" db:"tenant_id"`
	Ordinal    int                    `json:"ordinal" db:"ordinal"`
	Content    string                 `json:"content" db:"content"`
	TokenCount int                    `json:"token_count" db:"token_count"`
	StartChar  int                    `json:"start_char" db:"start_char"`
	EndChar    int                    `json:"end_char" db:"end_char"`
	Metadata   map[string]interface{} `json:"metadata" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChunkEmbeddingStatus is the outcome for one chunk of a batch embed call
type ChunkEmbeddingStatus string

const (
	ChunkEmbeddingSuccess ChunkEmbeddingStatus = "SUCCESS"
	ChunkEmbeddingFailed  ChunkEmbeddingStatus = "FAILED"
)

// ChunkEmbeddingResult is the per-chunk result of an EmbedChunks call.
// Results are returned in input chunk order regardless of internal
// parallelism.
type ChunkEmbeddingResult struct {
	ChunkID uuid.UUID            `json:"chunk_id"`
	Status  ChunkEmbeddingStatus `json:"status"`
	Vector  []float32            `json:"-"`
	Error   error                `json:"-"`
}
