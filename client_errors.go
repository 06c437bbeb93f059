package mqlight

import (
	"errors"
	"fmt"
	"strings"
)

// StateCallback is invoked on every client state transition.
// reason is nil for transitions that were not caused by an error.
type StateCallback func(state ClientState, reason error)

// Sentinel error kinds - check with errors.Is().
var (
	// ErrNetwork is returned when the service is unreachable or the connection was lost.
	// The client retries on its own after a network error.
	ErrNetwork = errors.New("network error")

	// ErrSecurity is returned for authentication, SASL or TLS failures. Not retried.
	ErrSecurity = errors.New("security error")

	// ErrStopped is returned when an operation is attempted while the client is stopped.
	ErrStopped = errors.New("client stopped")

	// ErrTimeout is returned when an operation deadline is exceeded.
	ErrTimeout = errors.New("operation timed out")

	// ErrSubscribed is returned when the client is already subscribed to a destination,
	// or when a subscription could not be reinstated after reconnecting.
	ErrSubscribed = errors.New("already subscribed")

	// ErrUnsubscribed is returned when the client is not subscribed to a destination.
	ErrUnsubscribed = errors.New("not subscribed")

	// ErrReplaced is returned when another client with the same id connected to the service.
	ErrReplaced = errors.New("client replaced")

	// ErrUnsupported is returned for options this client does not implement.
	ErrUnsupported = errors.New("unsupported")

	// ErrInternal is returned when the protocol engine reports an indeterminate outcome.
	ErrInternal = errors.New("internal error")

	// ErrInvalidArgument is returned synchronously for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Sentinel errors for deliveries - check with errors.Is().
var (
	// ErrRejected is returned when the service rejected a QoS 1 message.
	ErrRejected = errors.New("message rejected")

	// ErrStaleDelivery is returned when a delivery is confirmed after the
	// connection it arrived on has been replaced.
	ErrStaleDelivery = errors.New("stale delivery")
)

// Error is a client error carrying the operation it came from.
// Extract with errors.As(); match the kind with errors.Is().
type Error struct {
	err     error
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.err.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the error kind and the cause, so errors.Is matches both.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.err}
	}
	return []error{e.err, e.Cause}
}

// Kind returns the sentinel this error is classified as.
func (e *Error) Kind() error { return e.err }

// NewError creates an Error of the given kind.
func NewError(kind error, op, message string, cause error) *Error {
	return &Error{
		err:     kind,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

func newNetworkError(op, message string, cause error) *Error {
	return NewError(ErrNetwork, op, message, cause)
}

func newSecurityError(op, message string, cause error) *Error {
	return NewError(ErrSecurity, op, message, cause)
}

func newArgumentError(op, format string, args ...any) *Error {
	return NewError(ErrInvalidArgument, op, fmt.Sprintf(format, args...), nil)
}

func newStoppedError(op string) *Error {
	return NewError(ErrStopped, op, "client is not started", nil)
}

func newTimeoutError(op string, cause error) *Error {
	return NewError(ErrTimeout, op, "", cause)
}

// RejectedError contains details about a message rejected by the service.
// Extract with errors.As().
type RejectedError struct {
	err         error
	Topic       string
	Description string
}

func (e *RejectedError) Error() string {
	if e.Description != "" {
		return "message rejected: " + e.Description
	}
	return "message rejected"
}

func (e *RejectedError) Unwrap() error { return e.err }

// NewRejectedError creates a new RejectedError.
func NewRejectedError(topic, description string) *RejectedError {
	return &RejectedError{
		err:         ErrRejected,
		Topic:       topic,
		Description: description,
	}
}

// errorKinds lists the sentinels in the order errorKind checks them.
var errorKinds = []error{
	ErrSecurity,
	ErrReplaced,
	ErrStopped,
	ErrTimeout,
	ErrSubscribed,
	ErrUnsubscribed,
	ErrUnsupported,
	ErrInternal,
	ErrInvalidArgument,
	ErrNetwork,
}

// errorKind returns the sentinel err is classified as, or nil.
func errorKind(err error) error {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ClassifyEngineError maps an error reported by a ProtocolEngine onto the
// client error kinds. Errors that already carry a kind are returned as is.
// Engines reporting through plain text are classified by the condition text:
// a "_Takeover" condition means another client with the same id connected,
// SASL and SSL failures and the MQ reason code 2035 are security failures,
// everything else is treated as a network failure.
func ClassifyEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errorKind(err) != nil {
		return err
	}

	text := err.Error()
	switch {
	case strings.Contains(text, "_Takeover"):
		return NewError(ErrReplaced, op, "another client connected with the same id", err)
	case strings.Contains(text, "sasl ") || strings.Contains(text, "SSL ") || strings.Contains(text, "2035"):
		return newSecurityError(op, "", err)
	default:
		return newNetworkError(op, "", err)
	}
}

// errorKindName returns a short label for the kind of err, for metrics and logs.
func errorKindName(err error) string {
	switch errorKind(err) {
	case ErrSecurity:
		return "security"
	case ErrReplaced:
		return "replaced"
	case ErrStopped:
		return "stopped"
	case ErrTimeout:
		return "timeout"
	case ErrSubscribed:
		return "subscribed"
	case ErrUnsubscribed:
		return "unsubscribed"
	case ErrUnsupported:
		return "unsupported"
	case ErrInternal:
		return "internal"
	case ErrInvalidArgument:
		return "argument"
	case ErrNetwork:
		return "network"
	}
	if errors.Is(err, ErrRejected) {
		return "rejected"
	}
	return "unknown"
}
