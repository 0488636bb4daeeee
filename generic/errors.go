/*
errors.go - Centralized error taxonomy for the engines

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Every failure path of every engine returns one of these kinds, so the
  request layer can map any error to a status code without string matching.

ERROR KINDS:
  1. Validation          - Missing/malformed input, detected before any load
  2. NotFound            - Referenced aggregate or record absent
  3. InvalidTransition   - Action not permitted from the current status
  4. InsufficientResource- Stock or payment exceeds what is available
  5. Concurrency         - Lost update detected by the locking strategy (retryable)
  6. Storage             - Underlying transaction failed or timed out (retryable)

USAGE:
  Structured errors unwrap to a sentinel, so both styles work:

    if errors.Is(err, generic.ErrInsufficientResource) { ... }

    var te *generic.InvalidTransitionError
    if errors.As(err, &te) { log(te.From, te.Action) }

SEE ALSO:
  - store.go: Stores wrap driver failures in StorageError
  - api/handlers.go: HTTPStatus mapping
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced aggregate or record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the current status forbids the action.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientResource is returned when a withdrawal or payment exceeds
	// what is available.
	ErrInsufficientResource = errors.New("insufficient resource")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStorage is returned when the underlying store fails or times out.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind string // "quotation", "consumable", "receivable", "payment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError reports an action attempted from a status that forbids it.
type InvalidTransitionError struct {
	From   QuotationStatus
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s from status %s", e.Action, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientResourceError provides details about a shortage.
type InsufficientResourceError struct {
	Resource  string // "stock" or "receivable_balance"
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s",
		e.Resource, e.Available.String(), e.Requested.String())
}

func (e *InsufficientResourceError) Unwrap() error { return ErrInsufficientResource }

// StorageError wraps a failure of the underlying store.
// The chain matches both ErrStorage and the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// WrapStorage wraps err as a StorageError unless it already belongs to the taxonomy.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

type ErrorKind string

const (
	KindUnknown              ErrorKind = "unknown"
	KindValidation           ErrorKind = "validation"
	KindNotFound             ErrorKind = "not_found"
	KindInvalidTransition    ErrorKind = "invalid_transition"
	KindInsufficientResource ErrorKind = "insufficient_resource"
	KindConcurrency          ErrorKind = "concurrency"
	KindStorage              ErrorKind = "storage"
)

// KindOf classifies err. Context cancellation counts as a storage failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInsufficientResource):
		return KindInsufficientResource
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrency
	case errors.Is(err, ErrStorage),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindStorage
	}
	return KindUnknown
}

// HTTPStatus maps err to the HTTP-equivalent status of its kind.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindInsufficientResource:
		return http.StatusUnprocessableEntity
	case KindConcurrency:
		return http.StatusConflict
	case KindStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindConcurrency || k == KindStorage
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInvalidTransition, KindInsufficientResource:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
