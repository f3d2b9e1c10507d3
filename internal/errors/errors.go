// Package errors provides structured error types for the Syncbridge system.
// All errors include a category, code, message, and retryable flag so the
// ingest path, routing path, and HTTP surface handle failures consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryLake       ErrorCategory = "LAKE"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryRoute      ErrorCategory = "ROUTE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMalformedEvent = "MALFORMED_EVENT"
	CodeInvalidRequest = "INVALID_REQUEST"

	// Store codes
	CodeStaleSequence = "STALE_SEQUENCE"
	CodeNotFound      = "NOT_FOUND"
	CodeLogCorrupt    = "LOG_CORRUPT"

	// Lake codes
	CodeUnavailable = "UNAVAILABLE"
	CodeQueryFailed = "QUERY_FAILED"

	// Auth codes
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"

	// Route codes
	CodeBudgetExceeded = "BUDGET_EXCEEDED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SyncError is the structured error type used throughout the system.
type SyncError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SyncError) Is(target error) bool {
	var t *SyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SyncError.
func New(category ErrorCategory, code, message string) *SyncError {
	return &SyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SyncError {
	return &SyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SyncError) WithDetails(details map[string]interface{}) *SyncError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCategory(err error) ErrorCategory {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
// Lake unavailability and budget expiry are transient; a stale sequence or
// bad token will never succeed on retry.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryLake && code == CodeUnavailable:
		return true
	case category == ErrCategoryLake && code == CodeQueryFailed:
		return true
	case category == ErrCategoryRoute && code == CodeBudgetExceeded:
		return true
	default:
		return false
	}
}

// Sentinel errors for the common cases. Handlers compare with errors.Is.
var (
	ErrMalformedEvent = New(ErrCategoryValidation, CodeMalformedEvent, "malformed event")
	ErrStaleSequence  = New(ErrCategoryStore, CodeStaleSequence, "stale sequence")
	ErrNotFound       = New(ErrCategoryStore, CodeNotFound, "user state not found")
	ErrLogCorrupt     = New(ErrCategoryStore, CodeLogCorrupt, "durable log corrupt")
	ErrUnavailable    = New(ErrCategoryLake, CodeUnavailable, "analytical store unavailable")
	ErrInvalidToken   = New(ErrCategoryAuth, CodeInvalidToken, "invalid session token")
	ErrTokenExpired   = New(ErrCategoryAuth, CodeTokenExpired, "session token expired")
	ErrBudgetExceeded = New(ErrCategoryRoute, CodeBudgetExceeded, "latency budget exceeded")
)

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SyncError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewLakeError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryLake, code, message, cause)
}

func NewAuthError(code, message string) *SyncError {
	return New(ErrCategoryAuth, code, message)
}
