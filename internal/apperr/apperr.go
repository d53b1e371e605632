// Copyright 2025 James Ross

// Package apperr defines the structured error kinds that cross component
// boundaries (spec §10's error taxonomy), so the HTTP layer, the worker, and
// the recovery sweep can all map the same sentinel errors to the same
// behavior without re-deriving it from error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies one row of the error taxonomy table.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindRateLimited        Kind = "RATE_LIMIT_EXCEEDED"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindBackendRejection   Kind = "BACKEND_REJECTION"
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	KindKVUnavailable      Kind = "KV_UNAVAILABLE"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindStorageDenied      Kind = "STORAGE_DENIED"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// HTTPStatus maps each kind to the status code spec §10 assigns it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 422
	case KindRateLimited:
		return 429
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindQuotaExceeded:
		return 402
	case KindBackendUnavailable, KindKVUnavailable:
		return 503
	case KindBackendRejection:
		return 502
	case KindStorageDenied:
		return 403
	case KindStorageUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is a structured application error carrying a stable Kind alongside
// the underlying cause, so callers can both render a response and unwrap
// for logging.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches structured details surfaced under the error
// envelope's optional `details` field.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// RetryAfterDetail is the conventional details key for RateLimited's
// retry_after seconds value.
const RetryAfterDetail = "retry_after"

// QuotaKindDetail is the conventional details key distinguishing
// QuotaExceeded{kind:"daily"} from QuotaExceeded{kind:"concurrent"}.
const QuotaKindDetail = "kind"

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
