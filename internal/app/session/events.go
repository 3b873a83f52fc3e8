package session

import (
	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	// EventNotice is transient: the session keeps running.
	EventNotice
	// EventFatal precedes teardown into Failed.
	EventFatal
	EventParticipantsChanged
	EventChatReceived
	EventRemoteTrack
	EventFlagsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventNotice:
		return "notice"
	case EventFatal:
		return "fatal"
	case EventParticipantsChanged:
		return "participants"
	case EventChatReceived:
		return "chat"
	case EventRemoteTrack:
		return "remote-track"
	case EventFlagsChanged:
		return "flags"
	default:
		return "unknown"
	}
}

// Event is what the presentation layer observes.
type Event struct {
	Kind         EventKind
	State        domain.SessionState
	Message      string
	Err          error
	Participants []domain.Participant
	Chat         *domain.ChatMessage
	Peer         domain.ParticipantID
	Track        core.RemoteTrack
	Flags        domain.MediaFlags
}
