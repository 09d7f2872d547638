package api

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the fabric's machine-readable taxonomy.
// Callers should branch on kinds via KindOf or errors.Is with a *Error,
// never on message text.
type Kind string

const (
	// Input errors: the caller handed us something we cannot act on.
	KindUnknownService  Kind = "unknown_service"
	KindUnknownTemplate Kind = "unknown_template"
	KindUnknownInstance Kind = "unknown_instance"
	KindSchemaViolation Kind = "schema_violation"
	KindCycleInTemplate Kind = "cycle_in_template"
	KindTooManySteps    Kind = "too_many_steps"
	KindInvalidInput    Kind = "invalid_input"

	// Capacity errors: a configured bound was hit.
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindSubscriberOverflow Kind = "subscriber_overflow"
	KindHistoryExhausted   Kind = "history_exhausted"

	// Runtime errors: something failed while doing the work.
	KindTimeout        Kind = "timeout"
	KindProtocolError  Kind = "protocol_error"
	KindTransformError Kind = "transform_error"
	KindHandlerError   Kind = "handler_error"
	KindCircuitOpen    Kind = "circuit_open"
	KindStuckWorkflow  Kind = "stuck_workflow"

	// Lifecycle errors: the operation is not valid in the current state.
	KindNotRunning      Kind = "not_running"
	KindAlreadyTerminal Kind = "already_terminal"
	KindReplayDisabled  Kind = "replay_disabled"
	KindClosed          Kind = "closed"
)

// Error is the error type returned by every public fabric operation.
// It carries a Kind for machine dispatch and a message for humans.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality, so errors.Is(err, &api.Error{Kind: k}) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds a *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error around a cause. A nil cause yields a plain Errorf.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Errors that did not originate in the fabric report KindHandlerError
// when non-nil, and "" when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindHandlerError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
