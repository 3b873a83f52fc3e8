package peers

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/eventloop"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu      sync.Mutex
	kind    webrtc.RTPCodecType
	track   webrtc.TrackLocal
	stopped bool
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("sender stopped")
	}
	s.track = track
	return nil
}

func (s *fakeSender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeConn struct {
	peer domain.ParticipantID

	mu       sync.Mutex
	senders  []*fakeSender
	answer   *webrtc.SessionDescription
	closed   bool
	keyframe []webrtc.SSRC
	onState  func(webrtc.PeerConnectionState)
	onTrack  func(core.RemoteTrack)

	// gate, when set, blocks CreateOffer until closed.
	gate     chan struct{}
	offerErr error
}

func (c *fakeConn) AddSender(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (core.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSender{kind: kind, track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + string(c.peer)}, nil
}

func (c *fakeConn) ApplyOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (c *fakeConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.answer = &answer
	return nil
}

func (c *fakeConn) RequestKeyframe(ssrc webrtc.SSRC) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyframe = append(c.keyframe, ssrc)
	return nil
}

func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answer != nil
}

func (c *fakeConn) fireState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *fakeConn) fireTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	fn(t)
}

func (c *fakeConn) Senders() []*fakeSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeSender(nil), c.senders...)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	// prepare customizes a connection before it is handed out.
	prepare func(*fakeConn)
}

func (f *fakeFactory) NewConnection(peer domain.ParticipantID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{peer: peer}
	if f.prepare != nil {
		f.prepare(c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) All() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func (f *fakeFactory) Last(peer domain.ParticipantID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].peer == peer {
			return f.conns[i]
		}
	}
	return nil
}

type sentSignal struct {
	To        domain.ParticipantID
	Desc      webrtc.SessionDescription
	Initiator bool
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	// forward, when set, delivers the signal to another manager.
	forward func(sentSignal)
}

func (s *recordingSignaler) SendSignal(to domain.ParticipantID, desc webrtc.SessionDescription, initiator bool) error {
	sig := sentSignal{To: to, Desc: desc, Initiator: initiator}
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	fwd := s.forward
	s.mu.Unlock()
	if fwd != nil {
		fwd(sig)
	}
	return nil
}

func (s *recordingSignaler) Sent() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentSignal(nil), s.sent...)
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return "stream-" + t.id }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeRemoteTrack) SSRC() webrtc.SSRC         { return 42 }
func (t *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}}
}
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

type fakeScreen struct {
	mu    sync.Mutex
	local webrtc.TrackLocal
	ended func()
}

func (s *fakeScreen) Local() webrtc.TrackLocal { return s.local }

func (s *fakeScreen) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = fn
}

func (s *fakeScreen) End() {
	s.mu.Lock()
	fn := s.ended
	s.mu.Unlock()
	fn()
}

type harness struct {
	t       *testing.T
	loop    *eventloop.Loop
	factory *fakeFactory
	signal  *recordingSignaler
	manager *Manager
	cancel  context.CancelFunc
	failed  []domain.ParticipantID
}

func newHarness(t *testing.T, local domain.ParticipantID, opts ...func(*Config)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New(string(local))
	go loop.Run(context.Background())
	t.Cleanup(func() {
		cancel()
		loop.Close()
		<-loop.Done()
	})

	h := &harness{t: t, loop: loop, factory: &fakeFactory{}, signal: &recordingSignaler{}, cancel: cancel}
	cfg := Config{
		LocalID:   local,
		Factory:   h.factory,
		Scheduler: loop,
		Signaler:  h.signal,
		OnLinkFailed: func(peer domain.ParticipantID, err error) {
			h.failed = append(h.failed, peer)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.manager = NewManager(ctx, cfg)
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func(m *Manager)) {
	h.t.Helper()
	require.NoError(h.t, h.loop.Do(context.Background(), func() { fn(h.manager) }))
}

func (h *harness) linkCount() int {
	var n int
	h.do(func(m *Manager) { n = m.Len() })
	return n
}

func (h *harness) failedPeers() []domain.ParticipantID {
	var out []domain.ParticipantID
	h.do(func(*Manager) { out = append(out, h.failed...) })
	return out
}

// pair wires a and b through their signalers as the relay would.
func pair(a, b *harness, aID, bID domain.ParticipantID) {
	a.signal.forward = func(s sentSignal) {
		b.loop.Post(func() { _ = b.manager.HandleSignal(aID, s.Desc, s.Initiator) })
	}
	b.signal.forward = func(s sentSignal) {
		a.loop.Post(func() { _ = a.manager.HandleSignal(bID, s.Desc, s.Initiator) })
	}
}

func roster(ids ...string) []domain.Participant {
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Participant{ID: domain.ParticipantID(id), Address: domain.ChannelAddress("sock-" + id)})
	}
	return out
}

func videoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	require.NoError(t, err)
	return tr
}
