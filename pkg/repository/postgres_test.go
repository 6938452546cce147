package repository

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

func newPostgresRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresRepository(sqlx.NewDb(db, "postgres"), observability.NewNoopLogger()), mock
}

func TestPostgresRepository_CreateDocumentDefaultsToPending(t *testing.T) {
	repo, mock := newPostgresRepo(t)

	mock.ExpectExec(`INSERT INTO rag\.documents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc := &models.Document{
		TenantID:   uuid.New(),
		UserID:     uuid.New(),
		Title:      "intro",
		StorageRef: "s3://docs/intro.txt",
	}
	require.NoError(t, repo.CreateDocument(context.Background(), doc))
	assert.NotEqual(t, uuid.Nil, doc.ID)
	assert.Equal(t, models.StatusPending, doc.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetDocumentNotFound(t *testing.T) {
	repo, mock := newPostgresRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM rag\.documents`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetDocument(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPostgresRepository_UpdateStatusCAS(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	tenant := uuid.New()
	doc := uuid.New()

	// Winning transition
	mock.ExpectExec(`UPDATE rag\.documents`).
		WithArgs(models.StatusProcessing, "", sqlmock.AnyArg(), tenant, doc, models.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := repo.UpdateStatus(context.Background(), tenant, doc, models.StatusPending, models.StatusProcessing, "")
	require.NoError(t, err)
	assert.True(t, won)

	// Losing transition: zero rows affected
	mock.ExpectExec(`UPDATE rag\.documents`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = repo.UpdateStatus(context.Background(), tenant, doc, models.StatusPending, models.StatusProcessing, "")
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_InsertChunksTransactional(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	tenant := uuid.New()
	doc := uuid.New()
	chunks := []models.Chunk{
		{ID: uuid.New(), DocumentID: doc, TenantID: tenant, Ordinal: 0, Content: "a"},
		{ID: uuid.New(), DocumentID: doc, TenantID: tenant, Ordinal: 1, Content: "b"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rag\.chunks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO rag\.chunks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertChunks(context.Background(), chunks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_InsertChunksRollsBackOnFailure(t *testing.T) {
	repo, mock := newPostgresRepo(t)
	chunks := []models.Chunk{{ID: uuid.New(), DocumentID: uuid.New(), Ordinal: 0}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rag\.chunks`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	require.Error(t, repo.InsertChunks(context.Background(), chunks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRepository_StatusMachine(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tenant := uuid.New()

	doc := &models.Document{TenantID: tenant, Title: "t", StorageRef: "file://t.txt"}
	require.NoError(t, repo.CreateDocument(ctx, doc))

	won, err := repo.UpdateStatus(ctx, tenant, doc.ID, models.StatusPending, models.StatusProcessing, "")
	require.NoError(t, err)
	assert.True(t, won)

	// A second consumer loses the same transition
	won, err = repo.UpdateStatus(ctx, tenant, doc.ID, models.StatusPending, models.StatusProcessing, "")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = repo.UpdateStatus(ctx, tenant, doc.ID, models.StatusProcessing, models.StatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, won)

	got, err := repo.GetDocument(ctx, tenant, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestMemoryRepository_TenantScoping(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tenant := uuid.New()

	doc := &models.Document{TenantID: tenant}
	require.NoError(t, repo.CreateDocument(ctx, doc))

	_, err := repo.GetDocument(ctx, uuid.New(), doc.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMemoryRepository_InsertChunksIdempotentByOrdinal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tenant := uuid.New()
	doc := &models.Document{TenantID: tenant}
	require.NoError(t, repo.CreateDocument(ctx, doc))

	first := []models.Chunk{
		{ID: uuid.New(), DocumentID: doc.ID, TenantID: tenant, Ordinal: 0, Content: "v1"},
		{ID: uuid.New(), DocumentID: doc.ID, TenantID: tenant, Ordinal: 1, Content: "v1"},
	}
	require.NoError(t, repo.InsertChunks(ctx, first))

	// Redelivery inserts the same ordinals again
	second := []models.Chunk{
		{ID: uuid.New(), DocumentID: doc.ID, TenantID: tenant, Ordinal: 0, Content: "v2"},
		{ID: uuid.New(), DocumentID: doc.ID, TenantID: tenant, Ordinal: 1, Content: "v2"},
	}
	require.NoError(t, repo.InsertChunks(ctx, second))

	chunks, err := repo.ListChunks(ctx, tenant, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "v2", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)
}

func TestMemoryRepository_FindByContentHash(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tenant := uuid.New()

	doc := &models.Document{TenantID: tenant, ContentHash: "abc123"}
	require.NoError(t, repo.CreateDocument(ctx, doc))

	found, err := repo.FindByContentHash(ctx, tenant, "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, found.ID)

	_, err = repo.FindByContentHash(ctx, tenant, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	// Other tenants never see the hash
	_, err = repo.FindByContentHash(ctx, uuid.New(), "abc123")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
