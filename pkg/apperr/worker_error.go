package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes
const (
	// Admission
	CodeQuotaExceeded = "QUOTA_EXCEEDED"

	// Resource errors
	CodeNotFound       = "NOT_FOUND"
	CodeCursorConflict = "CURSOR_CONFLICT"
	CodeSyncRequired   = "SYNC_REQUIRED"

	// Queue errors
	CodeEnqueueFailed = "ENQUEUE_FAILED"
	CodeDecodeFailed  = "DECODE_FAILED"

	// External errors
	CodeDatabaseError = "DATABASE_ERROR"
	CodeProviderError = "PROVIDER_ERROR"

	// Lifecycle
	CodeCancelled = "CANCELLED"
	CodeTimeout   = "TIMEOUT"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError represents a structured application error.
// Retryable tells the queue supervisor whether to redeliver.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// Constructor functions
func New(code, message string, retryable bool) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

func Wrap(err error, code, message string, retryable bool) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Err:       err,
	}
}

// QuotaExceeded - 쿼터 초과, RetryAfter 이후 재전달
func QuotaExceeded(key string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       CodeQuotaExceeded,
		Message:    fmt.Sprintf("quota exceeded for %s", key),
		Retryable:  true,
		RetryAfter: retryAfter,
		Details:    map[string]any{"key": key},
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func CursorConflict(linkID string) *AppError {
	return &AppError{
		Code:      CodeCursorConflict,
		Message:   "history cursor moved concurrently",
		Retryable: true,
		Details:   map[string]any{"link_id": linkID},
	}
}

func SyncRequired(linkID, reason string) *AppError {
	return &AppError{
		Code:    CodeSyncRequired,
		Message: reason,
		Details: map[string]any{"link_id": linkID},
	}
}

func EnqueueFailed(kind string, err error) *AppError {
	return &AppError{
		Code:    CodeEnqueueFailed,
		Message: fmt.Sprintf("enqueue %s failed", kind),
		Details: map[string]any{"kind": kind},
		Err:     err,
	}
}

func DecodeFailed(err error) *AppError {
	return &AppError{
		Code:    CodeDecodeFailed,
		Message: "malformed queue message",
		Err:     err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:      CodeDatabaseError,
		Message:   fmt.Sprintf("database error: %s", operation),
		Retryable: true,
		Err:       err,
	}
}

func Cancelled(resource string) *AppError {
	return &AppError{
		Code:    CodeCancelled,
		Message: fmt.Sprintf("%s cancelled", resource),
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("operation timed out: %s", operation),
		Retryable: true,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// HasCode reports whether err wraps an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

type retryable interface {
	IsRetryable() bool
}

// IsRetryable classifies err for the queue supervisor. The first classified
// error in the chain wins; deadlines and cancellation are retryable, and
// unclassified errors are retryable so nothing is dropped silently.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// IsTimeout reports whether err is a deadline or cancellation from ctx.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// RetryAfter returns the hint carried by an AppError, or 0.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}
