//go:generate go run go.uber.org/mock/mockgen -source=signal_iface.go -destination=../mocks/mock_signal_iface.go -package=mocks
package core

import (
	"context"
	"encoding/json"
)

// Handler receives one inbound event payload. Handlers run on the
// channel's reader goroutine in arrival order and must not block.
type Handler func(payload json.RawMessage)

type ConnState int

const (
	ConnConnected ConnState = iota
	ConnReconnecting
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// Credentials supplies the bearer token for the relay and the REST API.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	// Refresh exchanges the refresh token for a new bearer token.
	Refresh(ctx context.Context) (string, error)
}

// SignalChannel is the persistent, authenticated, bidirectional event
// channel to the relay.
type SignalChannel interface {
	// Connect dials the relay, refreshing the credential once on an auth
	// failure and retrying transport failures with bounded backoff.
	Connect(ctx context.Context, creds Credentials) error
	// Send is fire-and-forget; it fails fast while the channel is down.
	Send(event Event, payload any) error
	// Request sends an acknowledged event and waits for the reply.
	Request(ctx context.Context, event Event, payload any) (json.RawMessage, error)
	// On registers a handler; call before Connect.
	On(event Event, h Handler)
	// OnState reports transitions after the initial Connect.
	OnState(fn func(state ConnState, err error))
	// Disconnect is idempotent; no handler runs once it returns.
	Disconnect()
}
