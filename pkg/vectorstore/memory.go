package vectorstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// indexKey scopes an in-memory index to one tenant and model
type indexKey struct {
	tenantID uuid.UUID
	model    string
}

type memoryEntry struct {
	entry Entry
	norm  float64
}

// MemoryStore is an exact-search in-memory Store. It serves single-node
// deployments and the test suite; the pgvector store covers everything
// larger.
type MemoryStore struct {
	mu      sync.RWMutex
	indexes map[indexKey]map[uuid.UUID]memoryEntry
}

// NewMemoryStore creates an empty in-memory vector store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indexes: make(map[indexKey]map[uuid.UUID]memoryEntry),
	}
}

// Upsert stores a vector, replacing any prior vector for the chunk
func (s *MemoryStore) Upsert(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec := make([]float32, len(entry.Vector))
	copy(vec, entry.Vector)
	stored := entry
	stored.Vector = vec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	key := indexKey{tenantID: entry.TenantID, model: entry.Model}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[key]
	if !ok {
		idx = make(map[uuid.UUID]memoryEntry)
		s.indexes[key] = idx
	}
	idx[entry.ChunkID] = memoryEntry{entry: stored, norm: norm(vec)}
	return nil
}

// Delete removes one vector; missing is not an error
func (s *MemoryStore) Delete(ctx context.Context, tenantID uuid.UUID, model string, chunkID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[indexKey{tenantID: tenantID, model: model}]; ok {
		delete(idx, chunkID)
	}
	return nil
}

// DeleteDocument removes all vectors for a document under one model
func (s *MemoryStore) DeleteDocument(ctx context.Context, tenantID uuid.UUID, model string, documentID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[indexKey{tenantID: tenantID, model: model}]
	if !ok {
		return nil
	}
	for chunkID, me := range idx {
		if me.entry.DocumentID == documentID {
			delete(idx, chunkID)
		}
	}
	return nil
}

// TopK performs exact cosine search over the tenant's index
func (s *MemoryStore) TopK(ctx context.Context, tenantID uuid.UUID, model string, queryVector []float32, k int, threshold float64, filter Filter) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	queryNorm := norm(queryVector)
	if queryNorm == 0 {
		// Cosine similarity is undefined for a zero vector
		return nil, nil
	}

	s.mu.RLock()
	idx := s.indexes[indexKey{tenantID: tenantID, model: model}]
	candidates := make([]SearchResult, 0, len(idx))
	for _, me := range idx {
		if me.norm == 0 || len(me.entry.Vector) != len(queryVector) {
			continue
		}
		score := dot(queryVector, me.entry.Vector) / (queryNorm * me.norm)
		if score < threshold {
			continue
		}
		if !matchesFilter(me.entry.Metadata, filter) {
			continue
		}
		candidates = append(candidates, SearchResult{
			ChunkID:    me.entry.ChunkID,
			DocumentID: me.entry.DocumentID,
			Score:      score,
			Metadata:   me.entry.Metadata,
		})
	}
	s.mu.RUnlock()

	sortResults(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Count returns the number of vectors for a tenant and model
func (s *MemoryStore) Count(tenantID uuid.UUID, model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indexes[indexKey{tenantID: tenantID, model: model}])
}

// sortResults orders by score descending, ties broken by chunk ID
// ascending for determinism
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return strings.Compare(results[i].ChunkID.String(), results[j].ChunkID.String()) < 0
	})
}

func matchesFilter(metadata map[string]interface{}, filter Filter) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
