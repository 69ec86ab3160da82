// Package bcerr classifies errors that cross a process boundary (daemon,
// relay, client) into a small taxonomy the callers on either side of that
// boundary can switch on without parsing message text.
package bcerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for routing/logging/status-code purposes.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindDenied        Kind = "denied"
	KindUnauthorized  Kind = "unauthorized"
	KindConflict      Kind = "conflict"
	KindUnavailable   Kind = "unavailable" // machine/session offline, tunnel down
	KindTimeout       Kind = "timeout"
	KindInvalid       Kind = "invalid_argument"
	KindResourceLimit Kind = "resource_limit" // pool exhausted, buffer full
	KindInternal      Kind = "internal"
)

// Error wraps a cause with a Kind so callers can branch on it via errors.As.
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

// New creates a Kind-tagged error with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a Kind, preserving it as the cause.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// was not produced by this package.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
