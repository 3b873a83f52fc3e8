package domain

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when a capture device refuses access.
// The session keeps running with the matching media flag off.
var ErrPermissionDenied = errors.New("permission denied")

// ErrJoinRejected is returned when the relay refuses the join request.
var ErrJoinRejected = errors.New("join rejected")

// AuthError means the signaling credential was refused.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: rejected (status %d)", e.Status)
	}
	return fmt.Sprintf("auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError means the signaling transport is down. Attempts is the
// number of connection attempts made before giving up; zero for a
// failed send on a channel that is still retrying.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("network: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NegotiationError is local to one peer link; it never ends the session.
type NegotiationError struct {
	Participant ParticipantID
	Stage       string
	Err         error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.Participant, e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ProtocolViolation marks a malformed or out-of-order inbound message.
// It is logged and dropped.
type ProtocolViolation struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation on %q: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation on %q: %s", e.Event, e.Reason)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// IsFatal reports whether err must end the session.
func IsFatal(err error) bool {
	var authErr *AuthError
	var netErr *NetworkError
	if errors.As(err, &authErr) {
		return true
	}
	if errors.As(err, &netErr) {
		return netErr.Attempts > 0
	}
	return errors.Is(err, ErrJoinRejected)
}
