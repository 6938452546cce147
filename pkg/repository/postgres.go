package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

// PostgresRepository is the sqlx-backed document repository
type PostgresRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewPostgresRepository creates a Postgres document repository
func NewPostgresRepository(db *sqlx.DB, logger observability.Logger) *PostgresRepository {
	if logger == nil {
		logger = observability.NewLogger("repository")
	}
	return &PostgresRepository{db: db, logger: logger}
}

type documentRow struct {
	models.Document
	MetadataJSON []byte `db:"metadata"`
}

type chunkRow struct {
	models.Chunk
	MetadataJSON []byte `db:"metadata"`
}

// CreateDocument inserts a new document in PENDING status
func (r *PostgresRepository) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	query := `
		INSERT INTO rag.documents (
			id, tenant_id, user_id, title, storage_ref, content_type,
			content_hash, status, status_error, chunk_count, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.ExecContext(ctx, query,
		doc.ID, doc.TenantID, doc.UserID, doc.Title, doc.StorageRef,
		doc.ContentType, doc.ContentHash, doc.Status, doc.StatusError,
		doc.ChunkCount, metadataJSON, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument loads one document scoped to the tenant
func (r *PostgresRepository) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (*models.Document, error) {
	query := `
		SELECT id, tenant_id, user_id, title, storage_ref, content_type,
		       content_hash, status, status_error, chunk_count, metadata,
		       created_at, updated_at
		FROM rag.documents
		WHERE tenant_id = $1 AND id = $2`

	var row documentRow
	if err := r.db.GetContext(ctx, &row, query, tenantID, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return r.toDocument(&row), nil
}

// FindByContentHash returns the tenant's document with the given hash
func (r *PostgresRepository) FindByContentHash(ctx context.Context, tenantID uuid.UUID, contentHash string) (*models.Document, error) {
	query := `
		SELECT id, tenant_id, user_id, title, storage_ref, content_type,
		       content_hash, status, status_error, chunk_count, metadata,
		       created_at, updated_at
		FROM rag.documents
		WHERE tenant_id = $1 AND content_hash = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var row documentRow
	if err := r.db.GetContext(ctx, &row, query, tenantID, contentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no document with hash %s", models.ErrNotFound, contentHash)
		}
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}
	return r.toDocument(&row), nil
}

// UpdateStatus applies a compare-and-swap status transition
func (r *PostgresRepository) UpdateStatus(ctx context.Context, tenantID, documentID uuid.UUID, from, to models.DocumentStatus, statusError string) (bool, error) {
	query := `
		UPDATE rag.documents
		SET status = $1, status_error = $2, updated_at = $3
		WHERE tenant_id = $4 AND id = $5 AND status = $6`

	result, err := r.db.ExecContext(ctx, query, to, statusError, time.Now(), tenantID, documentID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		r.logger.Debug("status transition lost", map[string]interface{}{
			"document_id": documentID.String(),
			"from":        string(from),
			"to":          string(to),
		})
		return false, nil
	}
	return true, nil
}

// SetChunkCount records the number of chunks produced for a document
func (r *PostgresRepository) SetChunkCount(ctx context.Context, tenantID, documentID uuid.UUID, count int) error {
	query := `UPDATE rag.documents SET chunk_count = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`
	if _, err := r.db.ExecContext(ctx, query, count, time.Now(), tenantID, documentID); err != nil {
		return fmt.Errorf("failed to set chunk count: %w", err)
	}
	return nil
}

// InsertChunks persists chunks in one transaction. Conflicts on
// (document_id, ordinal) replace the row so redelivered events do not
// duplicate chunks.
func (r *PostgresRepository) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO rag.chunks (
			id, document_id, tenant_id, ordinal, content, token_count,
			start_char, end_char, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (document_id, ordinal) DO UPDATE SET
			id = EXCLUDED.id,
			content = EXCLUDED.content,
			token_count = EXCLUDED.token_count,
			start_char = EXCLUDED.start_char,
			end_char = EXCLUDED.end_char,
			metadata = EXCLUDED.metadata`

	for i := range chunks {
		metadataJSON, err := json.Marshal(chunks[i].Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		createdAt := chunks[i].CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, query,
			chunks[i].ID, chunks[i].DocumentID, chunks[i].TenantID,
			chunks[i].Ordinal, chunks[i].Content, chunks[i].TokenCount,
			chunks[i].StartChar, chunks[i].EndChar, metadataJSON, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunks[i].Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in ordinal order
func (r *PostgresRepository) ListChunks(ctx context.Context, tenantID, documentID uuid.UUID) ([]models.Chunk, error) {
	query := `
		SELECT id, document_id, tenant_id, ordinal, content, token_count,
		       start_char, end_char, metadata, created_at
		FROM rag.chunks
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY ordinal ASC`

	var rows []chunkRow
	if err := r.db.SelectContext(ctx, &rows, query, tenantID, documentID); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(rows))
	for i := range rows {
		chunk := rows[i].Chunk
		if len(rows[i].MetadataJSON) > 0 {
			if err := json.Unmarshal(rows[i].MetadataJSON, &chunk.Metadata); err != nil {
				r.logger.Warn("failed to unmarshal chunk metadata", map[string]interface{}{
					"chunk_id": chunk.ID.String(),
					"error":    err.Error(),
				})
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DeleteDocument removes a document and its chunks in one transaction
func (r *PostgresRepository) DeleteDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rag.chunks WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rag.documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresRepository) toDocument(row *documentRow) *models.Document {
	doc := row.Document
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &doc.Metadata); err != nil {
			r.logger.Warn("failed to unmarshal document metadata", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       err.Error(),
			})
		}
	}
	return &doc
}
