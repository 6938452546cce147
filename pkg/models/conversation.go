package models

import (
	"time"

	"github.com/google/uuid"
)

// Exchange is a single user-query/AI-response turn in a conversation.
// Immutable once appended.
type Exchange struct {
	ID             uuid.UUID   `json:"id"`
	UserID         uuid.UUID   `json:"user_id"`
	UserQuery      string      `json:"user_query"`
	AIResponse     string      `json:"ai_response"`
	SourceChunkIDs []uuid.UUID `json:"source_chunk_ids,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Conversation is a bounded, tenant-scoped exchange log. Exchanges are in
// strictly increasing timestamp order and len(Exchanges) never exceeds the
// store's MaxHistory; the oldest exchange is dropped on overflow.
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	UserID        uuid.UUID  `json:"user_id"`
	Exchanges     []Exchange `json:"exchanges"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// ConversationSummary is a derived read-only view of a conversation
type ConversationSummary struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	UserID        uuid.UUID `json:"user_id"`
	ExchangeCount int       `json:"exchange_count"`
	FirstQuery    string    `json:"first_query,omitempty"`
	LastQuery     string    `json:"last_query,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
