// Package errors defines structured errors for external billing-provider
// calls, classifying failures by kind so callers can decide between retrying
// and failing fast.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes a provider failure.
type Kind string

const (
	KindConnection Kind = "connection"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindAPI        Kind = "api"
)

// ProviderError is a structured error for a failed external billing call.
type ProviderError struct {
	Kind       Kind
	Op         string // operation that failed ("list_subscriptions", "report_usage")
	CustomerID string
	StatusCode int // HTTP status, if the provider returned one
	Err        error
	Timestamp  time.Time
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.CustomerID != "" {
		return fmt.Sprintf("%s failed for customer %s: %v", e.Op, e.CustomerID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a ProviderError with retryability derived from the
// kind.
func NewProviderError(kind Kind, op, customerID string, err error) *ProviderError {
	return &ProviderError{
		Kind:       kind,
		Op:         op,
		CustomerID: customerID,
		Err:        err,
		Timestamp:  time.Now(),
		Retryable:  retryable(kind),
	}
}

// WithStatusCode attaches the provider's HTTP status and refines
// retryability.
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func retryable(kind Kind) bool {
	switch kind {
	case KindConnection, KindRateLimit, KindAPI:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error is worth retrying on a later pass.
// Unclassified errors default to retryable so transient faults are not locked
// out.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// IsAuth reports whether the error is an authentication or authorization
// failure with the provider.
func IsAuth(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == KindAuth || pe.StatusCode == 401 || pe.StatusCode == 403
	}
	return false
}
