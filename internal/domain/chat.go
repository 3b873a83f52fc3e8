package domain

import (
	"errors"
	"time"
)

const MaxAttachmentSize = 8 << 20

var (
	ErrEmptyMessage       = errors.New("message has neither content nor attachment")
	ErrAttachmentTooLarge = errors.New("attachment too large")
	ErrUnknownRecipient   = errors.New("recipient is not in the room")
)

type ScopeKind int

const (
	ScopeGroup ScopeKind = iota
	ScopePrivate
)

// Scope names one chat log: the room-wide log or the private log with Peer.
// Private logs are keyed by the other side's durable id.
type Scope struct {
	Kind ScopeKind
	Peer ParticipantID
}

func GroupScope() Scope { return Scope{Kind: ScopeGroup} }

func PrivateScope(peer ParticipantID) Scope {
	return Scope{Kind: ScopePrivate, Peer: peer}
}

func (s Scope) String() string {
	if s.Kind == ScopeGroup {
		return "group"
	}
	return "private:" + string(s.Peer)
}

// Attachment travels inline; Data is base64 in JSON.
type Attachment struct {
	Name string `json:"name" validate:"required,max=255"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// ChatMessage is immutable once appended. A pending message is replaced
// in place by the relay's echo carrying the same CorrelationID.
type ChatMessage struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"clientId"`
	SenderID      ParticipantID `json:"senderId"`
	SenderName    string        `json:"senderName"`
	Scope         Scope         `json:"-"`
	Content       string        `json:"content,omitempty"`
	Attachment    *Attachment   `json:"file,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Pending       bool          `json:"pending,omitempty"`
}
