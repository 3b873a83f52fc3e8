package domain

import "errors"

type (
	RoomID  string
	GroupID string
)

var ErrRoomIDEmpty = errors.New("room id empty")

// MediaFlags mirror what the local participant publishes.
type MediaFlags struct {
	Mic         bool `json:"mic"`
	Camera      bool `json:"camera"`
	ScreenShare bool `json:"screenShare"`
}

type SessionState int

const (
	StateInitializing SessionState = iota
	StateJoining
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal states are never left.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// CanTransition reports whether the session may move from s to next.
func (s SessionState) CanTransition(next SessionState) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StateJoining:
		return s == StateInitializing
	case StateActive:
		return s == StateJoining
	case StateEnding:
		return s != StateEnding
	case StateEnded:
		return s == StateEnding
	case StateFailed:
		return true
	default:
		return false
	}
}

// Session is the controller's snapshot of the call it owns.
type Session struct {
	RoomID  RoomID        `json:"roomId"`
	GroupID GroupID       `json:"groupId,omitempty"`
	LocalID ParticipantID `json:"localId"`
	State   SessionState  `json:"state"`
	Media   MediaFlags    `json:"media"`
}

// CallStatus is the call record of a group as the call service reports it.
type CallStatus struct {
	Active bool   `json:"active"`
	RoomID RoomID `json:"roomId,omitempty"`
}
