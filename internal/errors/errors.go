// Package errors provides the error codes used across the submission pipeline.
// Codes are persisted with failed submissions and exposed to the UI, so they
// must stay stable.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a stable, user-visible error code.
type ErrorCode string

const (
	// General errors
	ErrInternal  ErrorCode = "INTERNAL_ERROR"
	ErrInvalid   ErrorCode = "INVALID_INPUT"
	ErrNotFound  ErrorCode = "NOT_FOUND"
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrStorage   ErrorCode = "STORAGE_ERROR"

	// Capture errors
	ErrValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrInvalidFormat     ErrorCode = "INVALID_FORMAT"
	ErrCompressionFailed ErrorCode = "COMPRESSION_FAILED"

	// Delivery errors
	ErrNetworkFailure     ErrorCode = "NETWORK_FAILURE"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrSemanticConflict   ErrorCode = "SEMANTIC_CONFLICT"
	ErrPermanentRejection ErrorCode = "PERMANENT_REJECTION"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
)

// AppError represents an application error with code and message.
// Fields carries per-field messages for validation failures.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Fields  map[string]string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, e.fieldSummary())
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) fieldSummary() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return strings.Join(parts, "; ")
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation builds a VALIDATION_FAILED error from per-field messages.
// It returns nil when fields is empty.
func Validation(message string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &AppError{
		Code:    ErrValidationFailed,
		Message: message,
		Fields:  fields,
	}
}

// Is checks if err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain, or an
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// FieldsOf returns the per-field messages of a validation error.
func FieldsOf(err error) map[string]string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Fields
	}
	return nil
}

// Retryable reports whether a delivery error with this code may succeed on a
// later attempt without user action.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrNetworkFailure, ErrTimeout, ErrCompressionFailed:
		return true
	default:
		return false
	}
}
