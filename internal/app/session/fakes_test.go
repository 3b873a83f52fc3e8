package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/media"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   core.Event
	payload any
}

// fakeChannel stands in for the relay connection. push delivers an
// inbound event the way the reader goroutine does.
type fakeChannel struct {
	mu          sync.Mutex
	handlers    map[core.Event]core.Handler
	onState     func(core.ConnState, error)
	sent        []sent
	roster      []domain.Participant
	connectErr  error
	requestErrs []error
	connected   bool
	connects    int
	disconnects int
}

func newFakeChannel(roster ...domain.Participant) *fakeChannel {
	return &fakeChannel{handlers: make(map[core.Event]core.Handler), roster: roster}
}

func (f *fakeChannel) Connect(context.Context, core.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Send(event core.Event, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return &domain.NetworkError{Op: "send", Err: io.ErrClosedPipe}
	}
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeChannel) Request(_ context.Context, event core.Event, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{event, payload})
	if len(f.requestErrs) > 0 {
		err := f.requestErrs[0]
		f.requestErrs = f.requestErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(core.JoinReply{Participants: f.roster})
}

func (f *fakeChannel) On(event core.Event, h core.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeChannel) OnState(fn func(core.ConnState, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	f.handlers = make(map[core.Event]core.Handler)
	f.onState = nil
}

func (f *fakeChannel) push(t *testing.T, event core.Event, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

func (f *fakeChannel) state(s core.ConnState, err error) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

// failNextRequests makes the following Request calls return errs in order.
func (f *fakeChannel) failNextRequests(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestErrs = append(f.requestErrs, errs...)
}

func (f *fakeChannel) setRoster(roster ...domain.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster = roster
}

func (f *fakeChannel) sentOf(event core.Event) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s.payload)
		}
	}
	return out
}

func (f *fakeChannel) signalsTo(addr domain.ChannelAddress) []core.SignalOut {
	var out []core.SignalOut
	for _, p := range f.sentOf(core.EventSignal) {
		if s := p.(core.SignalOut); s.To == addr {
			out = append(out, s)
		}
	}
	return out
}

type fakeSender struct{}

func (fakeSender) ReplaceTrack(webrtc.TrackLocal) error { return nil }
func (fakeSender) Stop() error                          { return nil }

type fakeConn struct {
	peer   domain.ParticipantID
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) AddSender(webrtc.RTPCodecType, webrtc.TrackLocal) (core.Sender, error) {
	return fakeSender{}, nil
}

func (c *fakeConn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + string(c.peer)}, nil
}

func (c *fakeConn) ApplyOffer(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + string(c.peer)}, nil
}

func (c *fakeConn) ApplyAnswer(webrtc.SessionDescription) error { return nil }
func (c *fakeConn) RequestKeyframe(webrtc.SSRC) error           { return nil }
func (c *fakeConn) OnStateChange(func(webrtc.PeerConnectionState)) {}
func (c *fakeConn) OnTrack(func(core.RemoteTrack))                  {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewConnection(peer domain.ParticipantID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{peer: peer}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) created(peer domain.ParticipantID) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeConn
	for _, c := range f.conns {
		if c.peer == peer {
			out = append(out, c)
		}
	}
	return out
}

type endlessReader struct {
	once   sync.Once
	closed chan struct{}
}

func (r *endlessReader) ReadSample() (pionmedia.Sample, error) {
	select {
	case <-r.closed:
		return pionmedia.Sample{}, io.EOF
	default:
		return pionmedia.Sample{Data: []byte{0}, Duration: 5 * time.Millisecond}, nil
	}
}

func (r *endlessReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type fakeDevices struct {
	denied map[media.Device]bool
	// gate, when set, blocks Open until closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}
}

func (d fakeDevices) Open(_ context.Context, device media.Device) (media.SampleReader, webrtc.RTPCodecCapability, error) {
	if d.gate != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
		<-d.gate
	}
	if d.denied[device] {
		return nil, webrtc.RTPCodecCapability{}, domain.ErrPermissionDenied
	}
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if device == media.DeviceMicrophone {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return &endlessReader{closed: make(chan struct{})}, capability, nil
}

type staticCreds struct{}

func (staticCreds) Token(context.Context) (string, error)   { return "t", nil }
func (staticCreds) Refresh(context.Context) (string, error) { return "t", nil }

func member(id, addr string) domain.Participant {
	return domain.Participant{ID: domain.ParticipantID(id), DisplayName: id, Address: domain.ChannelAddress(addr)}
}

type harness struct {
	ctrl    *Controller
	channel *fakeChannel
	factory *fakeFactory
	source  *media.Source
}

func newHarness(t *testing.T, local string, channel *fakeChannel, denied ...media.Device) *harness {
	t.Helper()
	d := fakeDevices{denied: map[media.Device]bool{}}
	for _, dev := range denied {
		d.denied[dev] = true
	}
	return newHarnessWithDevices(t, local, channel, d)
}

func newHarnessWithDevices(t *testing.T, local string, channel *fakeChannel, d fakeDevices) *harness {
	t.Helper()
	h := &harness{channel: channel, factory: &fakeFactory{}}
	h.source = media.NewSource(d, local)
	ctrl, err := New(Config{
		RoomID: "room-1",
		Local:  domain.Participant{ID: domain.ParticipantID(local), DisplayName: local},
	}, Deps{
		Channel:     channel,
		Credentials: staticCreds{},
		Factory:     h.factory,
		Media:       h.source,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Leave)
	return h
}

func (h *harness) links(t *testing.T) []domain.ParticipantID {
	t.Helper()
	snap, err := h.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	out := make([]domain.ParticipantID, 0, len(snap.Links))
	for _, l := range snap.Links {
		out = append(out, l.Peer)
	}
	return out
}

// drain returns the events received so far.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case e := <-h.ctrl.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}
