package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateEnded
)

// SampleReader yields encoded samples from a capture device.
type SampleReader interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// Track is one local capture track. Samples are paced by their duration
// and dropped while the track is muted, like a disabled browser track.
type Track struct {
	Device Device

	local  *webrtc.TrackLocalStaticSample
	reader SampleReader
	logger zerolog.Logger
	state  atomic.Int32 // Zero by default (TrackStateLive)

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	ended   bool
	onEnded []func()
}

func newTrack(device Device, reader SampleReader, capability webrtc.RTPCodecCapability, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, string(device), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		Device: device,
		local:  local,
		reader: reader,
		stop:   make(chan struct{}),
		logger: log.With().Str("module", "media.track").Str("device", string(device)).Logger(),
	}
	go t.pump()
	return t, nil
}

// Local is the track to attach to peer connections.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) GetState() TrackState { return TrackState(t.state.Load()) }

func (t *Track) Enabled() bool { return t.GetState() == TrackStateLive }

// SetEnabled mutes or unmutes the track; an ended track stays ended.
func (t *Track) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateEnded {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// OnEnded registers fn to run once the source stops producing samples.
// Stop does not count as ending. Registering on an ended track runs fn
// immediately.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop releases the device. Idempotent.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TrackStateEnded))
		close(t.stop)
		if err := t.reader.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("reader close failed")
		}
	})
}

func (t *Track) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *Track) pump() {
	for {
		sample, err := t.reader.ReadSample()
		if err != nil {
			if t.stopped() {
				return
			}
			if !errors.Is(err, io.EOF) {
				t.logger.Warn().Err(err).Msg("capture read failed")
			}
			t.end()
			return
		}

		if t.GetState() == TrackStateLive {
			if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debug().Err(err).Msg("write sample failed")
			}
		}

		select {
		case <-t.stop:
			return
		case <-time.After(sample.Duration):
		}
	}
}

func (t *Track) end() {
	t.state.Store(int32(TrackStateEnded))
	t.mu.Lock()
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	t.logger.Info().Msg("capture ended")
	for _, fn := range fns {
		fn()
	}
	_ = t.reader.Close()
}
