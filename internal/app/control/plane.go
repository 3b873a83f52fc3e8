// Package control applies local media toggles and moderator actions.
// Every toggle reaches the capture device first and is announced to the
// room only once the device accepted it.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/peers"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSelfModeration = errors.New("cannot moderate yourself")

// MediaSource is the capture side the plane drives.
type MediaSource interface {
	Acquire(ctx context.Context, device media.Device) (*media.Track, error)
	Track(device media.Device) *media.Track
	SetEnabled(device media.Device, on bool) error
	Release(device media.Device)
}

// Links routes local tracks onto every peer link.
type Links interface {
	ReplaceOutboundTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (webrtc.TrackLocal, error)
	SetCamera(track webrtc.TrackLocal) error
	ShareScreen(screen peers.ScreenTrack, done func()) error
	StopScreenShare() error
}

// Broadcaster sends a fire-and-forget event to the relay.
type Broadcaster interface {
	Send(event core.Event, payload any) error
}

// Plane is confined to the session loop.
type Plane struct {
	room  domain.RoomID
	local domain.ParticipantID
	media MediaSource
	links Links
	out   Broadcaster

	flags             domain.MediaFlags
	cameraBeforeShare bool
	onFlags           func(domain.MediaFlags)
	logger            zerolog.Logger
}

func New(room domain.RoomID, local domain.ParticipantID, src MediaSource, links Links, out Broadcaster) *Plane {
	return &Plane{
		room:  room,
		local: local,
		media: src,
		links: links,
		out:   out,
		logger: log.With().
			Str("module", "app.control").
			Str("room_id", string(room)).
			Str("participant_id", string(local)).
			Logger(),
	}
}

// OnFlags is called after every change of the local media flags.
func (p *Plane) OnFlags(fn func(domain.MediaFlags)) { p.onFlags = fn }

func (p *Plane) Flags() domain.MediaFlags { return p.flags }

// Attach routes the tracks acquired at session start; either may be nil.
func (p *Plane) Attach(audio, video *media.Track) {
	if audio != nil {
		if _, err := p.links.ReplaceOutboundTrack(webrtc.RTPCodecTypeAudio, audio.Local()); err != nil {
			p.logger.Warn().Err(err).Msg("audio routing incomplete")
		}
	}
	if video != nil {
		if err := p.links.SetCamera(video.Local()); err != nil {
			p.logger.Warn().Err(err).Msg("video routing incomplete")
		}
	}
	p.flags.Mic = audio != nil && audio.Enabled()
	p.flags.Camera = video != nil && video.Enabled()
	p.changed()
}

func (p *Plane) ToggleMic(ctx context.Context) error {
	want := !p.flags.Mic
	prev := p.flags
	p.flags.Mic = want
	if err := p.setDevice(ctx, media.DeviceMicrophone, want); err != nil {
		p.flags = prev
		return fmt.Errorf("toggle microphone: %w", err)
	}
	p.changed()
	return p.send(core.EventToggleAudio, core.ToggleAudio{RoomID: p.room, IsAudioOn: want})
}

func (p *Plane) ToggleCamera(ctx context.Context) error {
	want := !p.flags.Camera
	prev := p.flags
	p.flags.Camera = want
	if err := p.setDevice(ctx, media.DeviceCamera, want); err != nil {
		p.flags = prev
		return fmt.Errorf("toggle camera: %w", err)
	}
	p.changed()
	return p.send(core.EventToggleVideo, core.ToggleVideo{RoomID: p.room, IsVideoOn: want})
}

// ToggleScreenShare starts sharing, or stops an active share and brings
// the camera back.
func (p *Plane) ToggleScreenShare(ctx context.Context) error {
	if p.flags.ScreenShare {
		if err := p.links.StopScreenShare(); err != nil {
			p.logger.Warn().Err(err).Msg("camera restore incomplete")
		}
		return p.shareStopped()
	}

	screen, err := p.media.Acquire(ctx, media.DeviceScreen)
	if err != nil {
		return fmt.Errorf("share screen: %w", err)
	}
	if err := p.links.ShareScreen(screen, func() {
		if err := p.shareStopped(); err != nil {
			p.logger.Warn().Err(err).Msg("share end not announced")
		}
	}); err != nil {
		if errors.Is(err, peers.ErrAlreadySharing) {
			p.media.Release(media.DeviceScreen)
			return fmt.Errorf("share screen: %w", err)
		}
		p.logger.Warn().Err(err).Msg("screen routing incomplete")
	}

	p.cameraBeforeShare = p.flags.Camera
	p.flags.ScreenShare = true
	p.flags.Camera = false
	p.changed()
	p.logger.Info().Msg("screen share started")
	return errors.Join(
		p.send(core.EventScreenSharing, core.ScreenSharingOut{RoomID: p.room, IsSharing: true}),
		p.send(core.EventToggleVideo, core.ToggleVideo{RoomID: p.room, IsVideoOn: false}),
	)
}

// Mute asks the relay to mute participant; the relay enforces moderator
// privilege.
func (p *Plane) Mute(participant domain.ParticipantID) error {
	if participant == p.local {
		return ErrSelfModeration
	}
	return p.send(core.EventMuteUser, core.Moderation{RoomID: p.room, UserID: participant})
}

func (p *Plane) Unmute(participant domain.ParticipantID) error {
	if participant == p.local {
		return ErrSelfModeration
	}
	return p.send(core.EventUnmuteUser, core.Moderation{RoomID: p.room, UserID: participant})
}

// ApplyRemoteMute forces the microphone state decided by a moderator.
func (p *Plane) ApplyRemoteMute(muted bool) {
	if muted {
		if err := p.media.SetEnabled(media.DeviceMicrophone, false); err != nil && !errors.Is(err, media.ErrNoTrack) {
			p.logger.Warn().Err(err).Msg("could not disable microphone")
		}
		p.flags.Mic = false
	} else {
		p.flags.Mic = p.media.SetEnabled(media.DeviceMicrophone, true) == nil
	}
	p.logger.Info().Bool("muted", muted).Msg("moderator changed microphone")
	p.changed()
}

// Announce re-broadcasts the local flags, e.g. after a re-join.
func (p *Plane) Announce() error {
	errs := []error{
		p.send(core.EventToggleAudio, core.ToggleAudio{RoomID: p.room, IsAudioOn: p.flags.Mic}),
		p.send(core.EventToggleVideo, core.ToggleVideo{RoomID: p.room, IsVideoOn: p.flags.Camera}),
	}
	if p.flags.ScreenShare {
		errs = append(errs, p.send(core.EventScreenSharing, core.ScreenSharingOut{RoomID: p.room, IsSharing: true}))
	}
	return errors.Join(errs...)
}

func (p *Plane) shareStopped() error {
	p.media.Release(media.DeviceScreen)
	p.flags.ScreenShare = false
	p.flags.Camera = p.cameraBeforeShare && p.media.Track(media.DeviceCamera) != nil
	p.changed()
	p.logger.Info().Msg("screen share stopped")
	return errors.Join(
		p.send(core.EventScreenSharing, core.ScreenSharingOut{RoomID: p.room, IsSharing: false}),
		p.send(core.EventToggleVideo, core.ToggleVideo{RoomID: p.room, IsVideoOn: p.flags.Camera}),
	)
}

func (p *Plane) setDevice(ctx context.Context, device media.Device, on bool) error {
	if !on {
		err := p.media.SetEnabled(device, false)
		if errors.Is(err, media.ErrNoTrack) {
			return nil
		}
		return err
	}

	track := p.media.Track(device)
	if track == nil {
		var err error
		if track, err = p.media.Acquire(ctx, device); err != nil {
			return err
		}
		p.route(device, track)
	}
	track.SetEnabled(true)
	return nil
}

func (p *Plane) route(device media.Device, track *media.Track) {
	var err error
	switch device {
	case media.DeviceMicrophone:
		_, err = p.links.ReplaceOutboundTrack(webrtc.RTPCodecTypeAudio, track.Local())
	case media.DeviceCamera:
		err = p.links.SetCamera(track.Local())
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("device", string(device)).Msg("track routing incomplete")
	}
}

func (p *Plane) send(event core.Event, payload any) error {
	if err := p.out.Send(event, payload); err != nil {
		p.logger.Warn().Err(err).Str("event", string(event)).Msg("broadcast failed")
		return err
	}
	return nil
}

func (p *Plane) changed() {
	if p.onFlags != nil {
		p.onFlags(p.flags)
	}
}
