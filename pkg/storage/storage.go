// Package storage reads and writes raw document content referenced by
// storage refs of the form scheme://path (s3://bucket/key, file://path).
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/contextmesh/ragcore/pkg/models"
)

// BlobStore is the document content store behind storage refs
type BlobStore interface {
	// Read returns the full content at the given ref
	Read(ctx context.Context, ref string) ([]byte, error)

	// Write stores content at the given ref, replacing any prior content
	Write(ctx context.Context, ref string, data []byte, contentType string) error

	// Delete removes the content; missing is not an error
	Delete(ctx context.Context, ref string) error

	// HealthCheck verifies the backing store is reachable
	HealthCheck(ctx context.Context) error
}

// splitRef splits "scheme://rest" and validates the scheme
func splitRef(ref, wantScheme string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok {
		return "", fmt.Errorf("%w: malformed storage ref %q", models.ErrInvalidInput, ref)
	}
	if scheme != wantScheme {
		return "", fmt.Errorf("%w: storage ref %q has scheme %q, want %q",
			models.ErrInvalidInput, ref, scheme, wantScheme)
	}
	if rest == "" {
		return "", fmt.Errorf("%w: empty path in storage ref %q", models.ErrInvalidInput, ref)
	}
	return rest, nil
}
