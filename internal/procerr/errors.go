// Package procerr defines the processing error taxonomy used by the
// conversion pipeline. Every failure is classified into a category that
// decides whether the message is retried or dead-lettered.
package procerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a processing failure.
type Category string

const (
	// Retryable categories.
	CategoryNetwork             Category = "network"
	CategoryTimeout             Category = "timeout"
	CategoryRateLimited         Category = "rate_limited"
	CategoryUpstreamUnavailable Category = "upstream_unavailable"
	CategoryStorageTransient    Category = "storage_transient"
	CategoryStoreLocked         Category = "store_locked"

	// Non-retryable categories.
	CategoryEntityNotFound   Category = "entity_not_found"
	CategorySourceMissing    Category = "source_missing"
	CategoryValidationFailed Category = "validation_failed"
	CategoryMalformedInput   Category = "malformed_input"

	// Fatal: aborts the consumer process, never queued.
	CategoryConfiguration Category = "configuration"

	// CategoryUnknown is assigned to errors that carry no category.
	// Unknown failures are not retried.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether failures of this category may be re-enqueued.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimited,
		CategoryUpstreamUnavailable, CategoryStorageTransient, CategoryStoreLocked:
		return true
	}
	return false
}

// Error is a categorized processing error.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a categorized error without a cause.
func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

// Newf creates a categorized error with a formatted message.
func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an underlying error.
func Wrap(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Message: msg, Err: err}
}

// CategoryOf extracts the category from err, walking the wrap chain.
// Context deadline errors classify as timeouts even when unwrapped.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}

// Retryable reports whether err may be retried.
func Retryable(err error) bool {
	return CategoryOf(err).Retryable()
}

// FromHTTPStatus maps a transform-backend HTTP status to a category.
// Any non-200 response is retryable per the backend contract.
func FromHTTPStatus(code int) Category {
	switch code {
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return CategoryUpstreamUnavailable
	default:
		return CategoryUpstreamUnavailable
	}
}
