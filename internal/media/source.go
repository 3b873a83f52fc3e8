// Package media is the local capture side of a call: devices, the tracks
// they produce, and the recorder that persists remote tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNoTrack = errors.New("no live track for device")

// Source owns the local capture tracks, at most one per device.
type Source struct {
	devices  Devices
	streamID string

	mu     sync.Mutex
	tracks map[Device]*Track
}

func NewSource(devices Devices, streamID string) *Source {
	return &Source{
		devices:  devices,
		streamID: streamID,
		tracks:   make(map[Device]*Track),
	}
}

// Acquire returns the live track of device, opening it if needed. A
// refused device yields domain.ErrPermissionDenied.
func (s *Source) Acquire(ctx context.Context, device Device) (*Track, error) {
	if t := s.Track(device); t != nil {
		return t, nil
	}

	reader, capability, err := s.devices.Open(ctx, device)
	if err != nil {
		log.Warn().Str("module", "media.source").Str("device", string(device)).Err(err).Msg("device unavailable")
		return nil, err
	}
	t, err := newTrack(device, reader, capability, s.streamID)
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("%s: %w", device, err)
	}

	s.mu.Lock()
	if old, ok := s.tracks[device]; ok && old != t {
		old.Stop()
	}
	s.tracks[device] = t
	s.mu.Unlock()

	log.Info().Str("module", "media.source").Str("device", string(device)).Str("codec", capability.MimeType).Msg("device acquired")
	return t, nil
}

// AcquireUserMedia opens the microphone and the camera. Either may be
// missing; the joined error tells which.
func (s *Source) AcquireUserMedia(ctx context.Context) (audio, video *Track, err error) {
	audio, audioErr := s.Acquire(ctx, DeviceMicrophone)
	video, videoErr := s.Acquire(ctx, DeviceCamera)
	return audio, video, errors.Join(audioErr, videoErr)
}

// Track returns the live track of device, or nil.
func (s *Source) Track(device Device) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[device]
	if !ok || t.GetState() == TrackStateEnded {
		return nil
	}
	return t
}

func (s *Source) SetEnabled(device Device, on bool) error {
	t := s.Track(device)
	if t == nil {
		return fmt.Errorf("%s: %w", device, ErrNoTrack)
	}
	t.SetEnabled(on)
	return nil
}

// Release stops the track of device, if any.
func (s *Source) Release(device Device) {
	s.mu.Lock()
	t, ok := s.tracks[device]
	delete(s.tracks, device)
	s.mu.Unlock()
	if ok {
		t.Stop()
		log.Info().Str("module", "media.source").Str("device", string(device)).Msg("device released")
	}
}

func (s *Source) ReleaseAll() {
	for _, d := range []Device{DeviceMicrophone, DeviceCamera, DeviceScreen} {
		s.Release(d)
	}
}
