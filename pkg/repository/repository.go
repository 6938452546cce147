// Package repository persists documents and their chunks. Tenant scoping
// is enforced in every query.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/models"
)

// DocumentRepository is the persistence contract for documents and chunks
type DocumentRepository interface {
	// CreateDocument inserts a new document in PENDING status
	CreateDocument(ctx context.Context, doc *models.Document) error

	// GetDocument loads one document scoped to the tenant
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*models.Document, error)

	// FindByContentHash returns the tenant's document with the given
	// content hash, or ErrNotFound
	FindByContentHash(ctx context.Context, tenantID uuid.UUID, contentHash string) (*models.Document, error)

	// UpdateStatus transitions a document's status with compare-and-swap
	// semantics: the update applies only when the current status equals
	// from. Returns false when the transition lost.
	UpdateStatus(ctx context.Context, tenantID, documentID uuid.UUID, from, to models.DocumentStatus, statusError string) (bool, error)

	// SetChunkCount records the number of chunks produced for a document
	SetChunkCount(ctx context.Context, tenantID, documentID uuid.UUID, count int) error

	// InsertChunks persists a document's chunks. Re-inserting the same
	// (document, ordinal) replaces the row, keeping ingestion idempotent.
	InsertChunks(ctx context.Context, chunks []models.Chunk) error

	// ListChunks returns a document's chunks in ordinal order
	ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]models.Chunk, error)

	// DeleteDocument removes a document and its chunks
	DeleteDocument(ctx context.Context, tenantID, documentID uuid.UUID) error
}
