package oasis

import (
	"errors"
	"fmt"
)

// Kind is the stable machine code attached to every user-visible error.
// These values appear verbatim in gateway error replies.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Error pairs a Kind with a human-readable message. Messages never carry
// filesystem paths, tokens, or other process internals.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Msg + ": " + e.err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// Errf builds an Error of the given kind with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// KindOf extracts the machine code from err. Errors that do not carry a
// Kind are reported as internal; callers must not leak their text to wire
// replies.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}
