package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNoCustomer         = errors.New("user is not associated with a customer")
	ErrStateConflict      = errors.New("job is not in a state that allows this transition")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrOperationFailed    = errors.New("database operation failed")
	ErrInvalidExecContext = errors.New("invalid database execution context")
	ErrProviderDisabled   = errors.New("provider is disabled")
	ErrUnsupportedKind    = errors.New("unsupported provider kind")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrStaleWebhook       = errors.New("stale webhook timestamp")
	ErrUnknownEnvelope    = errors.New("unrecognized webhook payload")
	ErrUnknownJob         = errors.New("unknown job")
	ErrProviderFailed     = errors.New("LLM request failed")
	ErrJobCancelled       = errors.New("job was cancelled while running")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ProviderNotFoundError is returned when a provider slug does not resolve.
type ProviderNotFoundError struct {
	Slug string
}

func (e *ProviderNotFoundError) Error() string { return "Unknown provider: " + e.Slug }

// RateLimitError is returned when a customer's window is exhausted.
type RateLimitError struct {
	Used    int
	Quota   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded: %d/%d requests used. Resets at %s",
		e.Used, e.Quota, e.ResetAt.UTC().Format(time.RFC3339))
}

// ConflictError carries the status that blocked a transition.
type ConflictError struct {
	JobID  string
	Status string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Job cannot be cancelled in status %s", e.Status)
}

func (e *ConflictError) Unwrap() error { return ErrStateConflict }
