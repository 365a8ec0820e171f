// Package apperr defines the error taxonomy returned by the engines.
//
// Every rejection is an *Error carrying a Kind plus enough context
// (entity, id, current state) to render a user-facing message. Kinds
// are themselves errors, so callers match with errors.Is:
//
//	if errors.Is(err, apperr.SlotConflict) { ... }
//
// None of these are retried by the engines.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes a rejection.
type Kind string

const (
	NotFound          Kind = "not_found"
	Forbidden         Kind = "forbidden"
	InvalidTransition Kind = "invalid_transition"
	InvalidArgument   Kind = "invalid_argument"

	// Enrollment.
	EnrollmentClosed Kind = "enrollment_closed"
	// ProjectFull is the CapacityExceeded kind.
	ProjectFull Kind = "project_full"
	// DuplicateApplication is the DuplicateResource kind.
	DuplicateApplication Kind = "duplicate_application"

	// Tasks.
	NotCompleted Kind = "not_completed"

	// Reservations.
	InvalidWindow       Kind = "invalid_window"
	ResourceUnavailable Kind = "resource_unavailable"
	SlotConflict        Kind = "slot_conflict"
	AlreadyDecided      Kind = "already_decided"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is a rejected engine operation.
type Error struct {
	Kind    Kind
	Entity  string // "project", "application", "task", "resource", "reservation"
	ID      string
	State   string // current state of the entity, if relevant
	Message string
}

func (e *Error) Error() string {
	var ctx string
	switch {
	case e.ID != "" && e.State != "":
		ctx = fmt.Sprintf(" (%s=%s, state=%s)", e.Entity, e.ID, e.State)
	case e.ID != "":
		ctx = fmt.Sprintf(" (%s=%s)", e.Entity, e.ID)
	}
	if e.Message == "" {
		return string(e.Kind) + ctx
	}
	return fmt.Sprintf("%s: %s%s", e.Kind, e.Message, ctx)
}

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New creates an Error.
func New(kind Kind, entity, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, Message: fmt.Sprintf(format, args...)}
}

// WithState returns e with State set.
func (e *Error) WithState(state string) *Error {
	e.State = state
	return e
}

// KindOf returns the Kind of err, or "" if err is not an engine rejection.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// IsRejection reports whether err is a domain rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool { return KindOf(err) != "" }
