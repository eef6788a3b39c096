// Package apperr defines the error taxonomy shared by the transport, service
// and API layers. Every failure that crosses a package boundary is wrapped in
// an *Error so the HTTP layer can map it to a status code without inspecting
// driver internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for status mapping and metrics.
type Kind int

const (
	// KindValidation is a malformed or out-of-range request.
	KindValidation Kind = iota
	// KindNotFound is a missing device or polling target.
	KindNotFound
	// KindConflict is a duplicate identifier.
	KindConflict
	// KindDevice is a Modbus exception response from the unit itself.
	KindDevice
	// KindTransport is a network failure between middleware and gateway.
	KindTransport
	// KindTimeout is an expired per-request deadline.
	KindTimeout
	// KindCircuitOpen is a request rejected by an open circuit breaker.
	KindCircuitOpen
	// KindDependency is a failing backing service such as the database.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDevice:
		return "device_error"
	case KindTransport:
		return "transport_error"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDependency:
		return "dependency_error"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the kind to the response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDevice, KindTransport:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen, KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the taxonomy-carrying error type.
type Error struct {
	Kind   Kind
	Detail string

	// Code is the Modbus exception code for KindDevice errors, zero
	// otherwise.
	Code int

	// RetryAfter is the suggested client backoff for KindCircuitOpen.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by kind, so errors.Is can test taxonomy
// membership against a sentinel like &Error{Kind: KindTimeout}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates an error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying error.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindDependency for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDependency
}

// AsError returns err as an *Error, wrapping unclassified errors as
// KindDependency.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindDependency, Detail: err.Error(), Err: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
