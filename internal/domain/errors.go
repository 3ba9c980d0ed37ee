package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes surfaced in API responses.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeQueueNotFound     = "QUEUE_NOT_FOUND"
	CodeQueuePaused       = "QUEUE_PAUSED"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeConflict          = "CONFLICT"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeEmailSuppressed   = "EMAIL_SUPPRESSED"
	CodeSMTPError         = "SMTP_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ErrNotFound is returned when an entity does not exist for the caller.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found with ID: %s", e.Entity, e.ID)
}

// ValidationError carries per-path messages for a rejected payload.
type ValidationError struct {
	Message string
	Details map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for path, msg := range e.Details {
		parts = append(parts, fmt.Sprintf("%s: %s", path, msg))
	}
	return fmt.Sprintf("validation error: %s (%s)", e.Message, strings.Join(parts, "; "))
}

// NewValidationError creates a validation error with a single message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// NewFieldValidationError creates a validation error for one payload path.
func NewFieldValidationError(path, message string) *ValidationError {
	return &ValidationError{
		Message: "invalid request payload",
		Details: map[string]string{path: message},
	}
}

// ConflictError is returned for duplicate names and idempotency conflicts.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// UnauthorizedError is returned for missing, invalid or expired credentials.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	return e.Message
}

// ForbiddenError is returned when credentials are valid but the operation is
// not permitted (scope, IP allowlist, inactive tenant).
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	return e.Message
}

// QueuePausedError blocks new sends into a paused queue.
type QueuePausedError struct {
	QueueName string
}

func (e *QueuePausedError) Error() string {
	return fmt.Sprintf("queue %q is paused", e.QueueName)
}

// RateLimitError reports which scope blocked the request and when to retry.
type RateLimitError struct {
	Scope      string // "apikey", "app" or "queue"
	Limit      int
	RetryAfter int   // seconds
	ResetAt    int64 // unix seconds when the window reopens
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s scope, retry after %ds", e.Scope, e.RetryAfter)
}

// SuppressedError blocks a submission targeting a suppressed recipient.
type SuppressedError struct {
	Email  string
	Reason SuppressionReason
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("recipient %s is suppressed (%s)", e.Email, e.Reason)
}

// SMTPError is a send failure surfaced by the delivery engine.
type SMTPError struct {
	Code      int
	Permanent bool
	Err       error
}

func (e *SMTPError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("smtp failure (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("smtp failure: %v", e.Err)
}

func (e *SMTPError) Unwrap() error { return e.Err }

// ErrorCode maps a domain error to its stable API code.
func ErrorCode(err error) string {
	var (
		notFound    *ErrNotFound
		validation  *ValidationError
		conflict    *ConflictError
		unauth      *UnauthorizedError
		forbidden   *ForbiddenError
		queuePaused *QueuePausedError
		rateLimit   *RateLimitError
		suppressed  *SuppressedError
		smtpErr     *SMTPError
	)
	switch {
	case errors.As(err, &notFound):
		if notFound.Entity == "queue" {
			return CodeQueueNotFound
		}
		return CodeNotFound
	case errors.As(err, &validation):
		return CodeValidationError
	case errors.As(err, &conflict):
		return CodeConflict
	case errors.As(err, &unauth):
		return CodeUnauthorized
	case errors.As(err, &forbidden):
		return CodeForbidden
	case errors.As(err, &queuePaused):
		return CodeQueuePaused
	case errors.As(err, &rateLimit):
		return CodeRateLimitExceeded
	case errors.As(err, &suppressed):
		return CodeEmailSuppressed
	case errors.As(err, &smtpErr):
		return CodeSMTPError
	default:
		return CodeInternalError
	}
}
