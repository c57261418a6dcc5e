package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Type classifies an error for transport mapping and retry decisions.
type Type string

const (
	// TypeNotAuthenticated means the credential was missing, malformed,
	// expired or revoked.
	TypeNotAuthenticated Type = "notAuthenticated"
	// TypeDenied means a valid identity lacks the required permission.
	// Resource-scoped denials are indistinguishable from not-found.
	TypeDenied Type = "denied"
	// TypeNotFound means the addressed record does not exist.
	TypeNotFound Type = "notFound"
	// TypeWrongParameters means request validation failed.
	TypeWrongParameters Type = "wrongParameters"
	// TypeConflict means the write collides with existing state, e.g. a
	// duplicate name.
	TypeConflict Type = "conflict"
	// TypeBackendTransient means an execution-backend call failed in a way
	// worth retrying (network, rate limit).
	TypeBackendTransient Type = "backendTransient"
	// TypeBackendPermanent means the backend rejected the workload terminally;
	// the deployment is surfaced as errored, not retried.
	TypeBackendPermanent Type = "backendPermanent"
	// TypeInternal is an unexpected server-side failure.
	TypeInternal Type = "internalServerError"
)

// Error is the taxonomy-carrying error used across package boundaries.
type Error struct {
	Type    Type
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on taxonomy type, so sentinel comparisons like
// errors.Is(err, apierror.NotFound("")) work regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatus maps the taxonomy onto response codes.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeNotAuthenticated:
		return http.StatusUnauthorized
	case TypeDenied:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeWrongParameters:
		return http.StatusBadRequest
	case TypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given type.
func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap creates an error of the given type with an underlying cause.
func Wrap(t Type, message string, cause error) *Error {
	return &Error{Type: t, Message: message, cause: cause}
}

// NotAuthenticated builds a 401-class error.
func NotAuthenticated(message string) *Error {
	return New(TypeNotAuthenticated, message)
}

// Denied builds a 403-class error. For resource-scoped checks callers must
// use the same message for missing and forbidden resources.
func Denied(message string) *Error {
	return New(TypeDenied, message)
}

// NotFound builds a 404-class error.
func NotFound(message string) *Error {
	return New(TypeNotFound, message)
}

// WrongParameters builds a validation error.
func WrongParameters(message string) *Error {
	return New(TypeWrongParameters, message)
}

// Conflict builds a duplicate-state error.
func Conflict(message string) *Error {
	return New(TypeConflict, message)
}

// Transient wraps a retryable backend failure.
func Transient(message string, cause error) *Error {
	return Wrap(TypeBackendTransient, message, cause)
}

// Permanent wraps a terminal backend failure.
func Permanent(message string, cause error) *Error {
	return Wrap(TypeBackendPermanent, message, cause)
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return Wrap(TypeInternal, "internal server error", cause)
}

// WriteHTTP renders err as a JSON response body with the status code of
// its taxonomy type. Non-taxonomy errors are masked as internal so their
// causes never reach clients.
func WriteHTTP(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, e.Type, e.Message)
	fmt.Fprintln(w)
}

// IsTransient reports whether err is a retryable backend error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == TypeBackendTransient
}

// IsType reports whether err carries the given taxonomy type.
func IsType(err error, t Type) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}
