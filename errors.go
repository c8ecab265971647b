package sentinelzero

import "github.com/pkg/errors"

// Kind identifies the category of a typed Error, per spec §7.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindNameConflict      Kind = "NameConflict"
	KindInvalidArgv       Kind = "InvalidArgv"
	KindInvalidField      Kind = "InvalidField"
	KindInvalidExpression Kind = "InvalidExpression"
	KindInvalidPolicy     Kind = "InvalidPolicy"
	KindUnknownPolicy     Kind = "UnknownPolicy"
	KindAlreadyActive     Kind = "AlreadyActive"
	KindAlreadyStopped    Kind = "AlreadyStopped"
	KindTransientState    Kind = "TransientState"
	KindBusy              Kind = "Busy"
	KindTimeout           Kind = "Timeout"
	KindSpawnError        Kind = "SpawnError"
	KindStoreUnavailable  Kind = "StoreUnavailable"
	KindSubscriberLagged  Kind = "SubscriberLagged"
	KindInternal          Kind = "Internal"
)

// Error is a typed error value: a stable code, a human message, and an
// optional hint. Callers should switch on Kind rather than string-matching
// Error(), per the "exceptions for restart control flow ... replaced by
// typed results" design note.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	cause   error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return string(e.Kind) + ": " + e.Message + " (" + e.Hint + ")"
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates a typed Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with a hint attached.
func Newf(kind Kind, message, hint string) *Error {
	return &Error{Kind: kind, Message: message, Hint: hint}
}

// Wrap attaches a typed Kind to an underlying cause, preserving it for
// errors.Unwrap/errors.As while still reporting the original detail.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// Is reports whether err is a typed Error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

var (
	// ErrNotFound is a convenience sentinel for the common case; prefer
	// New(KindNotFound, ...) when a caller-specific message is available.
	ErrNotFound         = New(KindNotFound, "not found")
	ErrAlreadyActive    = New(KindAlreadyActive, "workload is already active")
	ErrAlreadyStopped   = New(KindAlreadyStopped, "workload is already stopped")
	ErrTransientState   = New(KindTransientState, "workload is in a transient state, retry")
	ErrStoreUnavailable = New(KindStoreUnavailable, "store is unavailable")
)
