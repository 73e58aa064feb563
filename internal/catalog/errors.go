package catalog

import (
	"errors"
	"fmt"
)

// Error is a recoverable failure in the sync core. None of these are fatal:
// the engine logs them and keeps processing subsequent messages.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ItemID identifies the affected item, if any.
	ItemID ItemID

	// Serial is the stream or update serial involved, if any.
	Serial int64

	// Err is the underlying cause (storage, decoding).
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeStaleMessage marks a message whose serial is at or below the cursor.
	ErrCodeStaleMessage ErrorCode = "STALE_MESSAGE"

	// ErrCodeUnknownCorrelation marks a response that matches no pending request.
	ErrCodeUnknownCorrelation ErrorCode = "UNKNOWN_CORRELATION"

	// ErrCodeInvalidTransition marks a lifecycle operation from the wrong state.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeUnknownItem marks a user request for an id not in the catalog.
	ErrCodeUnknownItem ErrorCode = "UNKNOWN_ITEM"

	// ErrCodePersistenceFailure marks a failed durable store operation.
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"

	// ErrCodeSelfEcho marks our own outbound request coming back on the channel.
	ErrCodeSelfEcho ErrorCode = "SELF_ECHO"

	// ErrCodeMalformedPayload marks an inbound payload that matches no known kind.
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ItemID != 0 {
		msg = fmt.Sprintf("%s (item=%s)", msg, e.ItemID)
	}
	if e.Serial != 0 {
		msg = fmt.Sprintf("%s (serial=%d)", msg, e.Serial)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the error code, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsStale reports whether err is a stale or duplicate message.
func IsStale(err error) bool {
	return CodeOf(err) == ErrCodeStaleMessage
}

// IsUnknownCorrelation reports whether err is an unmatched response.
func IsUnknownCorrelation(err error) bool {
	return CodeOf(err) == ErrCodeUnknownCorrelation
}

// IsInvalidTransition reports whether err is a rejected lifecycle operation.
func IsInvalidTransition(err error) bool {
	return CodeOf(err) == ErrCodeInvalidTransition
}

// IsPersistenceFailure reports whether err came from the durable store.
func IsPersistenceFailure(err error) bool {
	return CodeOf(err) == ErrCodePersistenceFailure
}

// NewStaleError reports a message at or below the cursor for its space.
func NewStaleError(space string, serial, cursor int64) *Error {
	return &Error{
		Code:    ErrCodeStaleMessage,
		Message: fmt.Sprintf("%s serial %d is not after cursor %d", space, serial, cursor),
		Serial:  serial,
	}
}

// NewUnknownCorrelationError reports a download result nobody is waiting for.
func NewUnknownCorrelationError(id ItemID, reason string) *Error {
	return &Error{
		Code:    ErrCodeUnknownCorrelation,
		Message: reason,
		ItemID:  id,
	}
}

// NewInvalidTransitionError reports a lifecycle operation from the wrong state.
func NewInvalidTransitionError(id ItemID, from, to LifecycleState) *Error {
	return &Error{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
		ItemID:  id,
	}
}

// NewPersistenceError wraps a durable store failure.
func NewPersistenceError(op string, err error) *Error {
	return &Error{
		Code:    ErrCodePersistenceFailure,
		Message: op,
		Err:     err,
	}
}
