package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contextmesh/ragcore/pkg/models"
)

// MemoryRepository is an in-memory DocumentRepository for tests and
// single-node deployments
type MemoryRepository struct {
	mu     sync.RWMutex
	docs   map[uuid.UUID]*models.Document
	chunks map[uuid.UUID][]models.Chunk // by document ID, ordinal order
}

// NewMemoryRepository creates an in-memory document repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs:   make(map[uuid.UUID]*models.Document),
		chunks: make(map[uuid.UUID][]models.Chunk),
	}
}

// CreateDocument inserts a new document in PENDING status
func (r *MemoryRepository) CreateDocument(_ context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if _, exists := r.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	stored := *doc
	r.docs[doc.ID] = &stored
	return nil
}

// GetDocument loads one document scoped to the tenant
func (r *MemoryRepository) GetDocument(_ context.Context, tenantID, documentID uuid.UUID) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
	}
	copied := *doc
	return &copied, nil
}

// FindByContentHash returns the tenant's newest document with the hash
func (r *MemoryRepository) FindByContentHash(_ context.Context, tenantID uuid.UUID, contentHash string) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *models.Document
	for _, doc := range r.docs {
		if doc.TenantID != tenantID || doc.ContentHash != contentHash {
			continue
		}
		if newest == nil || doc.CreatedAt.After(newest.CreatedAt) {
			newest = doc
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: no document with hash %s", models.ErrNotFound, contentHash)
	}
	copied := *newest
	return &copied, nil
}

// UpdateStatus applies a compare-and-swap status transition
func (r *MemoryRepository) UpdateStatus(_ context.Context, tenantID, documentID uuid.UUID, from, to models.DocumentStatus, statusError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return false, fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
	}
	if doc.Status != from {
		return false, nil
	}
	doc.Status = to
	doc.StatusError = statusError
	doc.UpdatedAt = time.Now()
	return true, nil
}

// SetChunkCount records the number of chunks produced for a document
func (r *MemoryRepository) SetChunkCount(_ context.Context, tenantID, documentID uuid.UUID, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
	}
	doc.ChunkCount = count
	doc.UpdatedAt = time.Now()
	return nil
}

// InsertChunks persists chunks, replacing on (document, ordinal)
func (r *MemoryRepository) InsertChunks(_ context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range chunks {
		docID := chunks[i].DocumentID
		existing := r.chunks[docID]
		replaced := false
		for j := range existing {
			if existing[j].Ordinal == chunks[i].Ordinal {
				existing[j] = chunks[i]
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, chunks[i])
		}
		sort.Slice(existing, func(a, b int) bool {
			return existing[a].Ordinal < existing[b].Ordinal
		})
		r.chunks[docID] = existing
	}
	return nil
}

// ListChunks returns a document's chunks in ordinal order
func (r *MemoryRepository) ListChunks(_ context.Context, tenantID, documentID uuid.UUID) ([]models.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
	}
	out := make([]models.Chunk, len(r.chunks[documentID]))
	copy(out, r.chunks[documentID])
	return out, nil
}

// DeleteDocument removes a document and its chunks
func (r *MemoryRepository) DeleteDocument(_ context.Context, tenantID, documentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if ok && doc.TenantID == tenantID {
		delete(r.docs, documentID)
		delete(r.chunks, documentID)
	}
	return nil
}
