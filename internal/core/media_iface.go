//go:generate go run go.uber.org/mock/mockgen -source=media_iface.go -destination=../mocks/mock_media_iface.go -package=mocks
package core

import (
	"context"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Sender is the outbound slot of one media kind on a connection.
type Sender interface {
	// ReplaceTrack swaps the outbound track without renegotiation.
	ReplaceTrack(track webrtc.TrackLocal) error
	Stop() error
}

// RemoteTrack is an inbound media track of a peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// MediaConnection is one peer-to-peer media transport. Negotiation is
// batch: descriptions are exchanged only after candidate gathering ends.
type MediaConnection interface {
	// AddSender adds a sendrecv slot of kind. A nil track reserves the slot
	// so a later ReplaceTrack needs no renegotiation.
	AddSender(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (Sender, error)
	// CreateOffer sets the local offer and returns it once gathering completes.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the gathered answer.
	ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// RequestKeyframe asks the remote sender of ssrc for a full frame.
	RequestKeyframe(ssrc webrtc.SSRC) error
	// OnStateChange and OnTrack callbacks run on transport goroutines.
	OnStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))
	// Close is idempotent.
	Close() error
}

type ConnectionFactory interface {
	NewConnection(peer domain.ParticipantID) (MediaConnection, error)
}
