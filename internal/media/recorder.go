package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedCodec = errors.New("unsupported codec for recording")

type rtpSink interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

type tapState int32

const (
	tapRecording tapState = iota
	tapPaused
	tapClosed
)

// tap copies one remote track into a file until the track ends.
type tap struct {
	src    core.RemoteTrack
	sink   rtpSink
	path   string
	state  atomic.Int32
	cancel context.CancelFunc
}

func (t *tap) loop(ctx context.Context, logger *zerolog.Logger, done func()) {
	defer done()
	defer func() {
		if err := t.sink.Close(); err != nil {
			logger.Debug().Err(err).Msg("sink close failed")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("recording stopped")
			return
		default:
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended, closing recording")
			return
		}
		if tapState(t.state.Load()) != tapRecording {
			continue
		}
		if err := t.sink.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("recording write failed, stopping")
			t.state.Store(int32(tapClosed))
			return
		}
	}
}

// Recorder writes each remote track to <dir>/<participant>-<kind>.{ivf,ogg}.
type Recorder struct {
	dir string

	mu   sync.Mutex
	taps map[string]*tap
}

func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir, taps: make(map[string]*tap)}
}

func tapKey(peer domain.ParticipantID, kind webrtc.RTPCodecType) string {
	return string(peer) + "-" + kind.String()
}

// Record starts copying track; an existing recording for the same
// participant and kind is replaced.
func (r *Recorder) Record(ctx context.Context, peer domain.ParticipantID, track core.RemoteTrack) error {
	key := tapKey(peer, track.Kind())
	logger := log.With().
		Str("module", "media.recorder").
		Str("participant_id", string(peer)).
		Str("kind", track.Kind().String()).
		Logger()

	sink, path, err := r.openSink(key, track.Codec())
	if err != nil {
		return err
	}

	tapCtx, cancel := context.WithCancel(ctx)
	t := &tap{src: track, sink: sink, path: path, cancel: cancel}

	r.mu.Lock()
	if old, ok := r.taps[key]; ok {
		logger.Info().Msg("replacing existing recording")
		old.state.Store(int32(tapClosed))
		old.cancel()
	}
	r.taps[key] = t
	r.mu.Unlock()

	logger.Info().Str("path", path).Msg("recording remote track")
	go t.loop(tapCtx, &logger, func() { r.forget(key, t) })
	return nil
}

// Pause stops writing for peer's tracks without closing the files.
func (r *Recorder) Pause(peer domain.ParticipantID, paused bool) {
	state := tapRecording
	if paused {
		state = tapPaused
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.taps {
		if strings.HasPrefix(key, string(peer)+"-") && tapState(t.state.Load()) != tapClosed {
			t.state.Store(int32(state))
		}
	}
}

// Stop ends every recording of peer.
func (r *Recorder) Stop(peer domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.taps {
		if strings.HasPrefix(key, string(peer)+"-") {
			t.state.Store(int32(tapClosed))
			t.cancel()
		}
	}
}

func (r *Recorder) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.taps {
		t.state.Store(int32(tapClosed))
		t.cancel()
	}
}

// Active lists the files currently being written.
func (r *Recorder) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.taps))
	for _, t := range r.taps {
		out = append(out, t.path)
	}
	return out
}

func (r *Recorder) forget(key string, t *tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taps[key] == t {
		delete(r.taps, key)
	}
}

func (r *Recorder) openSink(key string, codec webrtc.RTPCodecParameters) (rtpSink, string, error) {
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := filepath.Join(r.dir, key+".ivf")
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", path, err)
		}
		return w, path, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		path := filepath.Join(r.dir, key+".ogg")
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", path, err)
		}
		return w, path, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
}
