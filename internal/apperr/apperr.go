// Package apperr defines the kinded error taxonomy shared by all services.
//
// Adapters wrap their failures in a Kind so the gateway can map them to HTTP
// statuses without string matching. Internal detail stays in the wrapped
// error and is logged, never surfaced to clients.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInvalidInput             Kind = "InvalidInput"
	KindUnauthorized             Kind = "Unauthorized"
	KindForbidden                Kind = "Forbidden"
	KindNotFound                 Kind = "NotFound"
	KindTooManyRequests          Kind = "TooManyRequests"
	KindVersionConflict          Kind = "VersionConflict"
	KindMetadataInvalid          Kind = "MetadataInvalid"
	KindEmbeddingUnavailable     Kind = "EmbeddingUnavailable"
	KindVectorStoreUnavailable   Kind = "VectorStoreUnavailable"
	KindMetadataStoreUnavailable Kind = "MetadataStoreUnavailable"
	KindTimeout                  Kind = "Timeout"
	KindInternal                 Kind = "Internal"
)

// Error carries a kind, a client-safe message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a client-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error with a formatted client-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// Internal; context deadline errors are Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Message returns the client-safe message for an error. Internal errors are
// redacted to a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Error()
	}
	if KindOf(err) == KindTimeout {
		return "Timeout: operation deadline exceeded"
	}
	return "Internal: internal server error"
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindVersionConflict:
		return http.StatusConflict
	case KindMetadataInvalid:
		return http.StatusUnprocessableEntity
	case KindEmbeddingUnavailable, KindVectorStoreUnavailable, KindMetadataStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
