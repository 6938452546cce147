package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transient provider failure kinds. The fallback wrappers and the embedding
// engine classify with errors.Is against these sentinels.
var (
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrModelNotFound       = errors.New("model not found")
)

// ProviderError represents an error from a provider
type ProviderError struct {
	Provider   string         `json:"provider"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code,omitempty"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`

	// Kind is one of the sentinel errors above, or nil for
	// non-transient failures
	Kind error `json:"-"`

	// Cause carries the fallback provider's error when both the primary
	// and the fallback failed
	Cause error `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s provider error [%s]: %s (fallback: %v)", e.Provider, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s provider error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap exposes the error kind for errors.Is classification
func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// IsTransient reports whether the error should trigger the fallback
// provider: timeout, unavailability, or rate limiting.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// kindForStatus maps an HTTP status code to a transient error kind,
// or nil for non-transient codes.
func kindForStatus(code int) error {
	switch code {
	case 429:
		return ErrProviderRateLimited
	case 500, 502, 503:
		return ErrProviderUnavailable
	case 504:
		return ErrProviderTimeout
	default:
		return nil
	}
}

// wrapTransportError classifies a connection-level failure
func wrapTransportError(provider string, err error) *ProviderError {
	kind := ErrProviderUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrProviderTimeout
	}
	return &ProviderError{
		Provider: provider,
		Code:     "REQUEST_FAILED",
		Message:  err.Error(),
		Kind:     kind,
	}
}
