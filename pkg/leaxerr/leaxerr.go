// Package leaxerr defines the closed error-kind taxonomy used across the
// execution substrate (spec §7), so callers can branch on Kind with
// errors.As instead of matching message strings.
package leaxerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy's named failure modes.
type Kind string

const (
	// NotAvailable: binary missing for every compatible backend.
	NotAvailable Kind = "not_available"
	// SpawnFailed: the OS refused to create the process.
	SpawnFailed Kind = "spawn_failed"
	// StartupTimeout: server did not become ready within the hard deadline.
	StartupTimeout Kind = "startup_timeout"
	// ServerCrashed: non-zero exit while ready or starting.
	ServerCrashed Kind = "server_crashed"
	// HttpFailure: transport error or non-200 response during generation.
	HttpFailure Kind = "http_failure"
	// Aborted: explicit user cancellation.
	Aborted Kind = "aborted"
	// ValidationError: malformed workflow, rejected before running.
	ValidationError Kind = "validation_error"
	// NodeError: a specific node's processing failed.
	NodeError Kind = "node_error"
)

// Error is a Kind-tagged error supporting errors.Is/errors.As and %w
// wrapping, the generalized form of the teacher's fmt.Errorf("...: %w")
// convention.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, leaxerr.New(kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given Kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given Kind, wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Of returns true if err (or anything it wraps) is a *Error of kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
