package machine

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of an Error.
type Kind string

// Error kinds surfaced through the RPC surface.
const (
	KindInvalidSpec         Kind = "invalid_spec"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindSnapshotBlocked     Kind = "snapshot_blocked"
	KindRestoreFailed       Kind = "restore_failed"
	KindBootFailed          Kind = "boot_failed"
	KindNotFound            Kind = "not_found"
	KindMachineStopping     Kind = "machine_stopping"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// Error is a lifecycle error carrying its kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is. An *Error matches a sentinel of the same kind.
var (
	ErrInvalidSpec         = &Error{Kind: KindInvalidSpec}
	ErrResourceUnavailable = &Error{Kind: KindResourceUnavailable}
	ErrSnapshotBlocked     = &Error{Kind: KindSnapshotBlocked}
	ErrRestoreFailed       = &Error{Kind: KindRestoreFailed}
	ErrBootFailed          = &Error{Kind: KindBootFailed}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrMachineStopping     = &Error{Kind: KindMachineStopping}
	ErrConflict            = &Error{Kind: KindConflict}
)

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf builds an Error of kind with a formatted message. A trailing error
// argument matched by %w becomes the wrapped cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
}

// KindOf returns the kind of err, or KindInternal if it carries none. A nil
// error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether an activation failing with err may be retried.
func Retryable(err error) bool {
	return KindOf(err) == KindResourceUnavailable
}
