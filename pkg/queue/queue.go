// Package queue carries the ingestion events between the upload path and
// the document pipeline.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types on the bus
const (
	EventDocumentUploaded   = "document-uploaded"
	EventEmbeddingCompleted = "embedding-completed"
	EventDocumentFailed     = "document-failed"
)

// Event is one ingestion event. TenantID is present on every event.
type Event struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	TenantID   uuid.UUID              `json:"tenant_id"`
	DocumentID uuid.UUID              `json:"document_id"`
	UserID     uuid.UUID              `json:"user_id,omitempty"`
	StorageRef string                 `json:"storage_ref,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewDocumentUploaded builds a document-uploaded event
func NewDocumentUploaded(tenantID, documentID, userID uuid.UUID, storageRef string) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventType:  EventDocumentUploaded,
		TenantID:   tenantID,
		DocumentID: documentID,
		UserID:     userID,
		StorageRef: storageRef,
		Timestamp:  time.Now(),
	}
}

// NewEmbeddingCompleted builds an embedding-completed event
func NewEmbeddingCompleted(tenantID, documentID uuid.UUID) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventType:  EventEmbeddingCompleted,
		TenantID:   tenantID,
		DocumentID: documentID,
		Timestamp:  time.Now(),
	}
}

// NewDocumentFailed builds a document-failed event carrying the cause
func NewDocumentFailed(tenantID, documentID uuid.UUID, cause string) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventType:  EventDocumentFailed,
		TenantID:   tenantID,
		DocumentID: documentID,
		Error:      cause,
		Timestamp:  time.Now(),
	}
}

// Bus is the message bus abstraction. Delivery is at-least-once; the
// consumer acks with the receipt returned by Receive.
type Bus interface {
	// Publish sends one event
	Publish(ctx context.Context, event Event) error

	// Receive returns up to maxMessages events and their ack receipts,
	// waiting up to waitSeconds for the first one
	Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Event, []string, error)

	// Ack acknowledges one event by receipt
	Ack(ctx context.Context, receipt string) error

	// HealthCheck verifies the bus is reachable. The pipeline degrades
	// to synchronous processing while this fails.
	HealthCheck(ctx context.Context) error
}
