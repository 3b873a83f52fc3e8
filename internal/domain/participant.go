// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrParticipantIDEmpty = errors.New("participant id empty")
)

type (
	// ParticipantID is the durable identity of a user; it survives reconnects.
	ParticipantID string
	// ChannelAddress routes point-to-point signaling to one live connection.
	// It changes on every reconnect, so nothing is keyed by it.
	ChannelAddress string
)

// Participant is the local view of one room member, in the relay's wire form.
type Participant struct {
	ID          ParticipantID  `json:"id" validate:"required,max=64"`
	DisplayName string         `json:"name" validate:"max=64"`
	Address     ChannelAddress `json:"socketId"`
	Mic         bool           `json:"isAudioOn"`
	Camera      bool           `json:"isVideoOn"`
	ScreenShare bool           `json:"isSharingScreen"`
	IsModerator bool           `json:"isModerator"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, name string) (Participant, error) {
	if id == "" {
		return Participant{}, ErrParticipantIDEmpty
	}
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return Participant{}, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return Participant{}, ErrDisplayNameTooLong
	}
	return Participant{ID: id, DisplayName: name}, nil
}

// Label is what a console shows for the participant.
func (p Participant) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return string(p.ID)
}

func (p Participant) Flags() MediaFlags {
	return MediaFlags{Mic: p.Mic, Camera: p.Camera, ScreenShare: p.ScreenShare}
}
