package core

import (
	"encoding/json"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Event names one message kind on the relay channel.
type Event string

const (
	EventAck                 Event = "ack"
	EventError               Event = "error"
	EventJoinRoom            Event = "join-room"
	EventParticipantsUpdated Event = "participants-updated"
	EventUserLeft            Event = "user-left"
	EventSignal              Event = "signal"
	EventToggleVideo         Event = "toggle-video"
	EventToggleAudio         Event = "toggle-audio"
	EventScreenSharing       Event = "screen-sharing"
	EventMuteUser            Event = "mute-user"
	EventUnmuteUser          Event = "unmute-user"
	EventUserMuted           Event = "user-muted"
	EventUserUnmuted         Event = "user-unmuted"
	EventGroupMessage        Event = "group-message"
	EventPrivateMessage      Event = "private-message"
	EventCallEnded           Event = "call-ended"
)

// Envelope is one websocket text frame. Ack is set on acknowledged
// requests and on their replies.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

type JoinRequest struct {
	RoomID  domain.RoomID        `json:"roomId" validate:"required"`
	GroupID domain.GroupID       `json:"groupId,omitempty"`
	UserID  domain.ParticipantID `json:"userId" validate:"required"`
	Name    string               `json:"name"`
}

type JoinReply struct {
	Participants []domain.Participant `json:"participants" validate:"dive"`
	Error        string               `json:"error,omitempty"`
}

type ParticipantsUpdated struct {
	Participants []domain.Participant `json:"participants" validate:"dive"`
}

type UserRef struct {
	UserID domain.ParticipantID `json:"userId" validate:"required"`
}

type SignalOut struct {
	To        domain.ChannelAddress     `json:"to" validate:"required"`
	Signal    webrtc.SessionDescription `json:"signal"`
	Initiator bool                      `json:"initiator"`
}

type SignalIn struct {
	From       domain.ChannelAddress     `json:"from" validate:"required"`
	FromUserID domain.ParticipantID      `json:"fromUserId"`
	Signal     webrtc.SessionDescription `json:"signal"`
	Initiator  bool                      `json:"initiator"`
}

type ToggleVideo struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required"`
	IsVideoOn bool          `json:"isVideoOn"`
}

type ToggleAudio struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required"`
	IsAudioOn bool          `json:"isAudioOn"`
}

type ScreenSharingOut struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required"`
	IsSharing bool          `json:"isSharing"`
}

type ScreenSharingIn struct {
	UserID    domain.ParticipantID `json:"userId" validate:"required"`
	IsSharing bool                 `json:"isSharing"`
}

type Moderation struct {
	RoomID domain.RoomID        `json:"roomId" validate:"required"`
	UserID domain.ParticipantID `json:"userId" validate:"required"`
}

type GroupMessageOut struct {
	RoomID   domain.RoomID      `json:"roomId" validate:"required"`
	ClientID string             `json:"clientId"`
	Content  string             `json:"content,omitempty"`
	File     *domain.Attachment `json:"file,omitempty"`
}

// ChatPayload is the relay's canonical form of a chat message.
type ChatPayload struct {
	ID         string               `json:"id" validate:"required"`
	ClientID   string               `json:"clientId"`
	SenderID   domain.ParticipantID `json:"senderId" validate:"required"`
	SenderName string               `json:"senderName"`
	Content    string               `json:"content,omitempty"`
	File       *domain.Attachment   `json:"file,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

type PrivateMessageOut struct {
	RoomID   domain.RoomID         `json:"roomId" validate:"required"`
	To       domain.ChannelAddress `json:"to" validate:"required"`
	ToUserID domain.ParticipantID  `json:"toUserId" validate:"required"`
	ClientID string                `json:"clientId"`
	Content  string                `json:"content,omitempty"`
	File     *domain.Attachment    `json:"file,omitempty"`
}

// PrivateMessageIn carries From for the recipient and To/ToUserID on
// the echo returned to the sender.
type PrivateMessageIn struct {
	From     domain.ChannelAddress `json:"from,omitempty"`
	To       domain.ChannelAddress `json:"to,omitempty"`
	ToUserID domain.ParticipantID  `json:"toUserId,omitempty"`
	Message  ChatPayload           `json:"message"`
}

type CallEnded struct {
	RoomID  domain.RoomID  `json:"roomId,omitempty"`
	GroupID domain.GroupID `json:"groupId,omitempty"`
}

type ErrorPayload struct {
	Event   Event  `json:"event"`
	Message string `json:"message"`
	// ClientID names the refused chat message, if any.
	ClientID string `json:"clientId,omitempty"`
}
