// Package pipeline drives document ingestion: it consumes
// document-uploaded events, extracts text, chunks it, dispatches
// embedding, and walks the document status machine.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/contextmesh/ragcore/pkg/chunking"
	"github.com/contextmesh/ragcore/pkg/embedding"
	"github.com/contextmesh/ragcore/pkg/metrics"
	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
	"github.com/contextmesh/ragcore/pkg/queue"
	"github.com/contextmesh/ragcore/pkg/repository"
	"github.com/contextmesh/ragcore/pkg/storage"
)

// Config tunes the ingestion pipeline
type Config struct {
	Model          string        `mapstructure:"model"`
	MaxInFlight    int64         `mapstructure:"max_in_flight"`
	ReceiveBatch   int32         `mapstructure:"receive_batch"`
	WaitSeconds    int32         `mapstructure:"wait_seconds"`
	MarkTTL        time.Duration `mapstructure:"mark_ttl"`
	BusProbePeriod time.Duration `mapstructure:"bus_probe_period"`

	// ResumeAfter is how long a document may sit in PROCESSING before a
	// redelivered event resumes it instead of assuming another consumer
	// still holds it
	ResumeAfter time.Duration `mapstructure:"resume_after"`
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    8,
		ReceiveBatch:   10,
		WaitSeconds:    20,
		MarkTTL:        24 * time.Hour,
		BusProbePeriod: 30 * time.Second,
		ResumeAfter:    2 * time.Minute,
	}
}

// errInFlight marks a redelivered event whose document another consumer
// is still working on. The event stays unacked and redelivers later.
var errInFlight = errors.New("document processing in flight")

// retryable reports whether a processing error should be resolved by bus
// redelivery instead of a terminal document status
func retryable(err error) bool {
	return errors.Is(err, models.ErrVectorStoreUnavailable) || errors.Is(err, errInFlight)
}

// Pipeline is the document ingestion consumer
type Pipeline struct {
	repo    repository.DocumentRepository
	blobs   storage.BlobStore
	chunker chunking.Chunker
	engine  *embedding.Engine
	bus     queue.Bus
	redis   *redis.Client
	config  Config
	logger  observability.Logger
	metrics *metrics.Metrics

	inflight *semaphore.Weighted

	mu         sync.RWMutex
	busHealthy bool
}

// New creates a document pipeline. The Redis client is optional and
// only enables fast idempotency marks in front of the status check.
func New(repo repository.DocumentRepository, blobs storage.BlobStore, chunker chunking.Chunker, engine *embedding.Engine, bus queue.Bus, redisClient *redis.Client, config Config, logger observability.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if repo == nil || blobs == nil || chunker == nil || engine == nil {
		return nil, fmt.Errorf("%w: repository, blob store, chunker and engine are required", models.ErrInvalidInput)
	}
	defaults := DefaultConfig()
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = defaults.MaxInFlight
	}
	if config.ReceiveBatch <= 0 {
		config.ReceiveBatch = defaults.ReceiveBatch
	}
	if config.WaitSeconds < 0 {
		config.WaitSeconds = defaults.WaitSeconds
	}
	if config.MarkTTL <= 0 {
		config.MarkTTL = defaults.MarkTTL
	}
	if config.BusProbePeriod <= 0 {
		config.BusProbePeriod = defaults.BusProbePeriod
	}
	if config.ResumeAfter <= 0 {
		config.ResumeAfter = defaults.ResumeAfter
	}
	if logger == nil {
		logger = observability.NewLogger("pipeline")
	}

	return &Pipeline{
		repo:       repo,
		blobs:      blobs,
		chunker:    chunker,
		engine:     engine,
		bus:        bus,
		redis:      redisClient,
		config:     config,
		logger:     logger,
		metrics:    m,
		inflight:   semaphore.NewWeighted(config.MaxInFlight),
		busHealthy: bus != nil,
	}, nil
}

// Run consumes events until the context is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	if p.bus == nil {
		return fmt.Errorf("%w: no bus configured", models.ErrInvalidInput)
	}
	p.logger.Info("pipeline consumer starting", map[string]interface{}{
		"max_in_flight": p.config.MaxInFlight,
	})

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, receipts, err := p.bus.Receive(ctx, p.config.ReceiveBatch, p.config.WaitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.setBusHealthy(false)
			p.logger.Warn("receive failed, backing off", map[string]interface{}{
				"error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.setBusHealthy(true)

		for i := range events {
			event, receipt := events[i], receipts[i]
			if err := p.inflight.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer p.inflight.Release(1)
				p.handle(ctx, event, receipt)
			}()
		}
	}
}

// handle processes one event and acks it. Terminal failures still ack,
// the status machine holds the durable outcome. Transient failures leave
// the event unacked so the bus redelivers it.
func (p *Pipeline) handle(ctx context.Context, event queue.Event, receipt string) {
	if event.EventType == queue.EventDocumentUploaded {
		if err := p.Process(ctx, event.TenantID, event.DocumentID); err != nil {
			if retryable(err) {
				p.logger.Warn("transient failure, leaving event for redelivery", map[string]interface{}{
					"document_id": event.DocumentID.String(),
					"tenant_id":   event.TenantID.String(),
					"error":       err.Error(),
				})
				return
			}
			p.logger.Error("document processing failed", map[string]interface{}{
				"document_id": event.DocumentID.String(),
				"tenant_id":   event.TenantID.String(),
				"error":       err.Error(),
			})
		}
	}
	if err := p.bus.Ack(ctx, receipt); err != nil {
		p.logger.Warn("ack failed, event will redeliver", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
	}
}

// Process runs the ingestion state machine for one document. Safe to
// call concurrently and on redelivery: the status check and the CAS
// transition make it idempotent. A document stuck in PROCESSING past
// ResumeAfter is picked up again; a fresher one returns errInFlight so
// the event stays queued.
func (p *Pipeline) Process(ctx context.Context, tenantID, documentID uuid.UUID) error {
	if p.alreadyProcessed(ctx, documentID) {
		return nil
	}

	start := time.Now()
	if p.metrics != nil {
		p.metrics.ActiveIngestions.Inc()
		defer p.metrics.ActiveIngestions.Dec()
		defer func() {
			p.metrics.IngestionDuration.Observe(time.Since(start).Seconds())
		}()
	}

	doc, err := p.repo.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	resuming := false
	switch doc.Status {
	case models.StatusPending:
	case models.StatusProcessing:
		// A transient outage can leave a document PROCESSING with its
		// event unacked. Resume it once the last transition is old
		// enough to rule out a live consumer.
		if time.Since(doc.UpdatedAt) < p.config.ResumeAfter {
			return fmt.Errorf("%w: document %s", errInFlight, documentID)
		}
		resuming = true
		p.logger.Info("resuming interrupted document", map[string]interface{}{
			"document_id": documentID.String(),
			"tenant_id":   tenantID.String(),
		})
	default:
		p.logger.Debug("document already settled, skipping", map[string]interface{}{
			"document_id": documentID.String(),
			"status":      string(doc.Status),
		})
		return nil
	}

	if !resuming {
		won, err := p.repo.UpdateStatus(ctx, tenantID, documentID, models.StatusPending, models.StatusProcessing, "")
		if err != nil {
			return fmt.Errorf("failed to transition to processing: %w", err)
		}
		if !won {
			// Another consumer got there first
			return nil
		}
	}

	if err := p.ingest(ctx, doc); err != nil {
		if errors.Is(err, models.ErrVectorStoreUnavailable) {
			// Infrastructure condition, not a document defect. The
			// document stays PROCESSING until redelivery retries it.
			p.logger.Warn("vector store unavailable, document left processing", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       err.Error(),
			})
			return err
		}
		p.fail(ctx, doc, err)
		return err
	}

	p.markProcessed(ctx, documentID)
	return nil
}

// ingest performs extraction, chunking and embedding for a document
// already in PROCESSING
func (p *Pipeline) ingest(ctx context.Context, doc *models.Document) error {
	data, err := p.blobs.Read(ctx, doc.StorageRef)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", models.ErrExtraction, doc.StorageRef, err)
	}

	text, err := ExtractText(doc.ContentType, data)
	if err != nil {
		return err
	}

	chunks, err := p.chunker.Chunk(doc, text)
	if err != nil {
		return fmt.Errorf("chunking failed: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no extractable content", models.ErrEmptyDocument)
	}

	if err := p.repo.InsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("failed to persist chunks: %w", err)
	}
	if err := p.repo.SetChunkCount(ctx, doc.TenantID, doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("failed to record chunk count: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ChunksCreated.Add(float64(len(chunks)))
	}

	results, err := p.engine.EmbedChunks(ctx, doc.TenantID, p.config.Model, chunks)
	if err != nil {
		return fmt.Errorf("embedding dispatch failed: %w", err)
	}
	if embedding.AnyFailed(results) {
		for i := range results {
			if results[i].Status == models.ChunkEmbeddingFailed &&
				errors.Is(results[i].Error, models.ErrVectorStoreUnavailable) {
				return fmt.Errorf("vector index writes failed: %w", results[i].Error)
			}
		}
		// Successful vectors stay; the document is failed with the
		// per-chunk error list
		return fmt.Errorf("embedding failed for %s", describeFailures(results))
	}

	won, err := p.repo.UpdateStatus(ctx, doc.TenantID, doc.ID, models.StatusProcessing, models.StatusCompleted, "")
	if err != nil {
		return fmt.Errorf("failed to transition to completed: %w", err)
	}
	if !won {
		return fmt.Errorf("lost completion transition for document %s", doc.ID)
	}

	if p.metrics != nil {
		p.metrics.DocumentsProcessed.Inc()
	}
	p.emit(ctx, queue.NewEmbeddingCompleted(doc.TenantID, doc.ID))
	p.logger.Info("document processed", map[string]interface{}{
		"document_id": doc.ID.String(),
		"tenant_id":   doc.TenantID.String(),
		"chunks":      len(chunks),
	})
	return nil
}

// fail transitions a PROCESSING document to FAILED and emits the
// document-failed event
func (p *Pipeline) fail(ctx context.Context, doc *models.Document, cause error) {
	if _, err := p.repo.UpdateStatus(ctx, doc.TenantID, doc.ID, models.StatusProcessing, models.StatusFailed, cause.Error()); err != nil {
		p.logger.Error("failed to mark document failed", map[string]interface{}{
			"document_id": doc.ID.String(),
			"error":       err.Error(),
		})
	}
	if p.metrics != nil {
		p.metrics.DocumentsFailed.Inc()
	}
	p.emit(ctx, queue.NewDocumentFailed(doc.TenantID, doc.ID, cause.Error()))
}

// Ingest is the upload-path entry point. It stores content, creates the
// document record and publishes the document-uploaded event; when the
// bus is unreachable it processes synchronously instead, preserving the
// same state machine.
func (p *Pipeline) Ingest(ctx context.Context, doc *models.Document, content []byte) error {
	if doc.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant ID is required", models.ErrInvalidInput)
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.StorageRef == "" {
		doc.StorageRef = fmt.Sprintf("file://%s/%s", doc.TenantID, doc.ID)
	}
	doc.ContentHash = ContentHash(content)
	doc.Status = models.StatusPending

	if existing, err := p.repo.FindByContentHash(ctx, doc.TenantID, doc.ContentHash); err == nil {
		p.logger.Info("duplicate upload detected", map[string]interface{}{
			"document_id": doc.ID.String(),
			"existing_id": existing.ID.String(),
		})
	}

	if err := p.blobs.Write(ctx, doc.StorageRef, content, doc.ContentType); err != nil {
		return fmt.Errorf("failed to store content: %w", err)
	}
	if err := p.repo.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	if p.busReachable(ctx) {
		event := queue.NewDocumentUploaded(doc.TenantID, doc.ID, doc.UserID, doc.StorageRef)
		err := p.bus.Publish(ctx, event)
		if err == nil {
			return nil
		}
		p.setBusHealthy(false)
		p.logger.Warn("publish failed, degrading to synchronous processing", map[string]interface{}{
			"document_id": doc.ID.String(),
			"error":       err.Error(),
		})
	}
	return p.Process(ctx, doc.TenantID, doc.ID)
}

// busReachable returns the cached bus health, re-probing when the cache
// says unhealthy
func (p *Pipeline) busReachable(ctx context.Context) bool {
	if p.bus == nil {
		return false
	}
	p.mu.RLock()
	healthy := p.busHealthy
	p.mu.RUnlock()
	if healthy {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.bus.HealthCheck(probeCtx); err != nil {
		return false
	}
	p.setBusHealthy(true)
	return true
}

func (p *Pipeline) setBusHealthy(healthy bool) {
	p.mu.Lock()
	p.busHealthy = healthy
	p.mu.Unlock()
}

// alreadyProcessed checks the fast Redis mark. The durable idempotency
// check is the status machine; this only skips redundant loads.
func (p *Pipeline) alreadyProcessed(ctx context.Context, documentID uuid.UUID) bool {
	if p.redis == nil {
		return false
	}
	ok, err := p.redis.Exists(ctx, markKey(documentID)).Result()
	return err == nil && ok > 0
}

func (p *Pipeline) markProcessed(ctx context.Context, documentID uuid.UUID) {
	if p.redis == nil {
		return
	}
	if err := p.redis.Set(ctx, markKey(documentID), "1", p.config.MarkTTL).Err(); err != nil {
		p.logger.Debug("failed to write idempotency mark", map[string]interface{}{
			"document_id": documentID.String(),
			"error":       err.Error(),
		})
	}
}

func (p *Pipeline) emit(ctx context.Context, event queue.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to emit event", map[string]interface{}{
			"event_type": event.EventType,
			"error":      err.Error(),
		})
	}
}

func markKey(documentID uuid.UUID) string {
	return "ragcore:ingest:done:" + documentID.String()
}

// ContentHash returns the hex SHA-256 of document content
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func describeFailures(results []models.ChunkEmbeddingResult) string {
	var parts []string
	for i := range results {
		if results[i].Status == models.ChunkEmbeddingFailed {
			msg := "unknown error"
			if results[i].Error != nil {
				msg = results[i].Error.Error()
			}
			parts = append(parts, fmt.Sprintf("%s: %s", results[i].ChunkID, msg))
		}
	}
	if len(parts) > 3 {
		parts = append(parts[:3], fmt.Sprintf("and %d more", len(parts)-3))
	}
	return strings.Join(parts, "; ")
}
