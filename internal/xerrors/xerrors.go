// Package xerrors defines the typed error taxonomy surfaced by the
// exchange core: validation, authorization, not-found, insufficient
// funds/shares, conflict, and invariant violations. Callers should use
// errors.As to recover a *Error and branch on Kind rather than matching
// on error strings.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on it (e.g.
// an HTTP adapter mapping to status codes).
type Kind string

const (
	Validation        Kind = "VALIDATION"
	Authorization     Kind = "FORBIDDEN"
	NotFound          Kind = "NOT_FOUND"
	InsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	InsufficientShares Kind = "INSUFFICIENT_SHARES"
	Conflict          Kind = "CONFLICT"
	Invariant         Kind = "INVARIANT"
)

// Error is the typed error carried through the core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
