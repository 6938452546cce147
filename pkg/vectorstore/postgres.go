package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

// PostgresStore implements Store over pgvector. The embeddings table is
// keyed by (tenant_id, model, chunk_id); the cosine distance operator <=>
// drives retrieval.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewPostgresStore creates a pgvector-backed vector store
func NewPostgresStore(db *sqlx.DB, logger observability.Logger) *PostgresStore {
	if logger == nil {
		logger = observability.NewLogger("vectorstore")
	}
	return &PostgresStore{db: db, logger: logger}
}

type pgSearchRow struct {
	ChunkID    uuid.UUID `db:"chunk_id"`
	DocumentID uuid.UUID `db:"document_id"`
	Score      float64   `db:"score"`
	Metadata   []byte    `db:"metadata"`
}

// Upsert stores a vector, replacing any prior vector for the chunk
func (s *PostgresStore) Upsert(ctx context.Context, entry Entry) error {
	if len(entry.Vector) == 0 {
		return fmt.Errorf("%w: empty vector for chunk %s", models.ErrInvariantViolated, entry.ChunkID)
	}

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO rag.embeddings (
			tenant_id, model, chunk_id, document_id, embedding, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5::vector, $6, $7)
		ON CONFLICT (tenant_id, model, chunk_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`

	_, err = s.db.ExecContext(ctx, query,
		entry.TenantID, entry.Model, entry.ChunkID, entry.DocumentID,
		vectorLiteral(entry.Vector), metadataJSON, createdAt,
	)
	if err != nil {
		return s.wrapStoreError("upsert", err)
	}
	return nil
}

// Delete removes one vector; missing is not an error
func (s *PostgresStore) Delete(ctx context.Context, tenantID uuid.UUID, model string, chunkID uuid.UUID) error {
	query := `DELETE FROM rag.embeddings WHERE tenant_id = $1 AND model = $2 AND chunk_id = $3`
	if _, err := s.db.ExecContext(ctx, query, tenantID, model, chunkID); err != nil {
		return s.wrapStoreError("delete", err)
	}
	return nil
}

// DeleteDocument removes all vectors for a document under one model
func (s *PostgresStore) DeleteDocument(ctx context.Context, tenantID uuid.UUID, model string, documentID uuid.UUID) error {
	query := `DELETE FROM rag.embeddings WHERE tenant_id = $1 AND model = $2 AND document_id = $3`
	if _, err := s.db.ExecContext(ctx, query, tenantID, model, documentID); err != nil {
		return s.wrapStoreError("delete_document", err)
	}
	return nil
}

// TopK performs cosine search with the tenant and threshold enforced in SQL
func (s *PostgresStore) TopK(ctx context.Context, tenantID uuid.UUID, model string, queryVector []float32, k int, threshold float64, filter Filter) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if norm(queryVector) == 0 {
		return nil, nil
	}

	args := []interface{}{tenantID, model, vectorLiteral(queryVector), threshold}
	query := `
		SELECT chunk_id, document_id, metadata,
		       1 - (embedding <=> $3::vector) AS score
		FROM rag.embeddings
		WHERE tenant_id = $1 AND model = $2
		  AND 1 - (embedding <=> $3::vector) >= $4`

	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal filter: %w", err)
		}
		args = append(args, filterJSON)
		query += fmt.Sprintf(" AND metadata @> $%d", len(args))
	}

	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY score DESC, chunk_id ASC LIMIT $%d", len(args))

	var rows []pgSearchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.wrapStoreError("topk", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]interface{}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
				s.logger.Warn("failed to unmarshal vector metadata", map[string]interface{}{
					"chunk_id": row.ChunkID.String(),
					"error":    err.Error(),
				})
			}
		}
		results = append(results, SearchResult{
			ChunkID:    row.ChunkID,
			DocumentID: row.DocumentID,
			Score:      row.Score,
			Metadata:   metadata,
		})
	}
	return results, nil
}

// HealthCheck reports whether the database is reachable
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrVectorStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) wrapStoreError(op string, err error) error {
	if err == sql.ErrNoRows {
		return nil
	}
	s.logger.Error("vector store operation failed", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
	return fmt.Errorf("%w: %s: %v", models.ErrVectorStoreUnavailable, op, err)
}

// vectorLiteral renders a float32 slice in pgvector input syntax
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
