package models

import "errors"

// Error taxonomy for the RAG core. Components wrap these sentinels with
// fmt.Errorf("...: %w", err) so callers can classify with errors.Is.
var (
	// ErrInvalidInput marks a null/empty required field, unknown tenant,
	// or malformed options. Never cached, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTenantMismatch marks a cross-tenant access attempt. Always
	// rejected and logged at WARN.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrVectorStoreUnavailable marks a transient vector index failure.
	// The query path fails the response; the ingestion path leaves the
	// document in PROCESSING for redelivery.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")

	// ErrExtraction marks unrecoverable content extraction failure
	ErrExtraction = errors.New("extraction failed")

	// ErrEmptyDocument marks a document that produced zero chunks
	ErrEmptyDocument = errors.New("empty document")

	// ErrNotFound marks a missing entity within the caller's tenant
	ErrNotFound = errors.New("not found")

	// ErrInvariantViolated marks an internal assertion failure such as a
	// vector dimension mismatch. The operation aborts; callers never see
	// implementation details.
	ErrInvariantViolated = errors.New("internal invariant violated")
)
