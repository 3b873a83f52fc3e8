package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrGatherTimeout = errors.New("ice gathering timed out")

type Config struct {
	ICEServers    []string
	GatherTimeout time.Duration
	// Loopback admits 127.0.0.1 host candidates, for single-host setups.
	Loopback bool
}

func DefaultConfig() Config {
	return Config{
		ICEServers:    []string{"stun:stun.l.google.com:19302"},
		GatherTimeout: 10 * time.Second,
	}
}

// Factory builds pion peer connections sharing one API.
type Factory struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	gather time.Duration
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	pcCfg := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultConfig().GatherTimeout
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg:    pcCfg,
		gather: cfg.GatherTimeout,
	}, nil
}

func (f *Factory) NewConnection(peer domain.ParticipantID) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:     pc,
		peer:   peer,
		gather: f.gather,
		logger: log.With().Str("module", "webrtc").Str("participant_id", string(peer)).Logger(),
	}
	c.start()
	return c, nil
}

// Connection wraps one pion PeerConnection with batch negotiation.
type Connection struct {
	pc     *webrtc.PeerConnection
	peer   domain.ParticipantID
	gather time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)
	closed  atomic.Bool
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
}

func (c *Connection) AddSender(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (core.Sender, error) {
	trInit := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	if track == nil {
		tr, err = c.pc.AddTransceiverFromKind(kind, trInit)
	} else {
		tr, err = c.pc.AddTransceiverFromTrack(track, trInit)
	}
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	sender := tr.Sender()
	go drainRTCP(sender)
	return sender, nil
}

// drainRTCP keeps the interceptors fed; pion requires reading sender RTCP.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.gathered(ctx, gatherComplete)
}

func (c *Connection) ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.gathered(ctx, gatherComplete)
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) gathered(ctx context.Context, done <-chan struct{}) (webrtc.SessionDescription, error) {
	timer := time.NewTimer(c.gather)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	case <-timer.C:
		return webrtc.SessionDescription{}, ErrGatherTimeout
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description")
	}
	return *local, nil
}

func (c *Connection) RequestKeyframe(ssrc webrtc.SSRC) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
