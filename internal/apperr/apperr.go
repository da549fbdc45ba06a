// Package apperr defines the error taxonomy shared by the service and HTTP
// layers. Every error that crosses the service boundary carries a Kind that
// maps to exactly one HTTP status; the wrapped cause is kept for logging and
// never written to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindState          Kind = "state"
	KindStorage        Kind = "storage"
	KindArchive        Kind = "archive"
	KindInternal       Kind = "internal"
)

// Error is a classified failure. Msg is safe to show to callers.
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

// ErrorKind lets callers classify errors without importing this package's
// concrete type.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// E builds a classified error. cause may be nil.
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func Validation(msg string) *Error { return E(KindValidation, msg, nil) }
func Unauthenticated(msg string) *Error { return E(KindAuthentication, msg, nil) }
func Forbidden(msg string) *Error { return E(KindAuthorization, msg, nil) }
func NotFound(msg string) *Error { return E(KindNotFound, msg, nil) }
func State(msg string) *Error { return E(KindState, msg, nil) }

func Storage(msg string, cause error) *Error { return E(KindStorage, msg, cause) }
func Archive(msg string, cause error) *Error { return E(KindArchive, msg, cause) }
func Internal(msg string, cause error) *Error {
	return E(KindInternal, msg, cause)
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is present.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Msg != "" {
		return ae.Msg
	}
	return "internal server error"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
