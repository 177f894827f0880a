// Package chaterr defines the error taxonomy shared by the chat services and
// the transports that report failures to clients.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for clients.
type Kind string

const (
	KindSessionRequired     Kind = "SESSION_REQUIRED"
	KindInvalidConversation Kind = "INVALID_CONVERSATION"
	KindInvalidParticipants Kind = "INVALID_PARTICIPANTS"
	KindForbidden           Kind = "FORBIDDEN"
	KindNotFound            Kind = "NOT_FOUND"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindInternal            Kind = "INTERNAL"
)

// Error is a classified failure. Two errors match under errors.Is when their
// kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrSessionRequired     = &Error{Kind: KindSessionRequired, Message: "session is not initialised"}
	ErrInvalidConversation = &Error{Kind: KindInvalidConversation, Message: "invalid conversation"}
	ErrInvalidParticipants = &Error{Kind: KindInvalidParticipants, Message: "invalid participants"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "operation not permitted"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrValidation          = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "internal error"}
)

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation returns a validation error carrying per-field details.
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// KindOf returns the kind of err, or KindInternal if it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns err as an *Error, classifying unknown errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "internal error", err)
}
