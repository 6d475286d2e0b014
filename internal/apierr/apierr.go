// Package apierr defines the closed set of error kinds RPC failures are
// classified into, so that every layer above the engine can propagate a
// kind alongside a message without re-deriving it from error text.
package apierr

import "errors"

// Kind is one of the classification buckets an RPC failure falls into.
type Kind string

const (
	// InvalidInput: missing required param, unknown method, remote
	// source requested while disabled.
	InvalidInput Kind = "invalid_input"
	// NotFound: documentId not open.
	NotFound Kind = "not_found"
	// TransientEngine: any engine error not matching the fatal pattern.
	TransientEngine Kind = "transient_engine"
	// FatalEngine: matches "database has been invalidated".
	FatalEngine Kind = "fatal_engine"
	// NotMaterialized: getFilterOptions called before materialization completed.
	NotMaterialized Kind = "not_materialized"
	// Cancelled: background task cancelled.
	Cancelled Kind = "cancelled"
)

// Error carries a Kind alongside a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of kind wrapping cause, using cause's message
// as the message unless message is non-empty.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is an *Error, and ok=false
// otherwise (callers typically then treat it as TransientEngine).
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
