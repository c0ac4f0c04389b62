// Package apperr defines the error taxonomy shared by every service and
// surface adapter in taskforge. Services raise *Error; surfaces translate
// Kind into protocol-specific status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure, independent of which surface reports it.
type Kind string

const (
	Validation         Kind = "validation"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	Closed             Kind = "closed"
	NotAssigned        Kind = "not_assigned"
	Expired            Kind = "expired"
	Unauthorized       Kind = "unauthorized"
	BackendUnavailable Kind = "backend_unavailable"
	Internal           Kind = "internal"
)

// Error is the typed error every service function returns on failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

func NotFoundf(format string, a ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, a...))
}

func Validationf(format string, a ...any) *Error {
	return New(Validation, fmt.Sprintf(format, a...))
}

func Conflictf(format string, a ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, a...))
}
