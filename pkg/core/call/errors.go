package call

import (
	"errors"
	"fmt"
)

// ErrorKind classifies setup failures.
type ErrorKind string

const (
	ErrPermissionDenied  ErrorKind = "permission_denied"
	ErrDeviceNotFound    ErrorKind = "device_not_found"
	ErrDeviceBusy        ErrorKind = "device_busy"
	ErrDeviceUnavailable ErrorKind = "device_unavailable"
	ErrNegotiationFailed ErrorKind = "negotiation_failed"
	ErrExchangeFailed    ErrorKind = "exchange_failed"
	ErrPeerFailed        ErrorKind = "peer_failed"
	ErrInvalidState      ErrorKind = "invalid_state"
	ErrAborted           ErrorKind = "aborted"
)

// Error is a call failure with a message fit to show the caller.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

func NewPermissionDeniedError(err error) *Error {
	return &Error{Kind: ErrPermissionDenied, Message: "Microphone access was denied. Allow microphone access and try again.", Err: err}
}

func NewDeviceNotFoundError(err error) *Error {
	return &Error{Kind: ErrDeviceNotFound, Message: "No microphone was found. Connect a microphone and try again.", Err: err}
}

func NewDeviceBusyError(err error) *Error {
	return &Error{Kind: ErrDeviceBusy, Message: "The microphone is in use by another application.", Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func asCallError(err error, fallback ErrorKind) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}

func deviceError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: ErrDeviceUnavailable, Message: fmt.Sprintf("Could not open the microphone: %v", err), Err: err}
}

var errNoAudioContext = errors.New("audio context unavailable")
