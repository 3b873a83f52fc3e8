package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/mocks"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error)   { return string(s), nil }
func (s staticToken) Refresh(context.Context) (string, error) { return string(s), nil }

type relayConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *relayConn) push(t *testing.T, env core.Envelope) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.ws.WriteJSON(env))
}

// fakeRelay accepts one bearer token, acks every request except
// "no-reply" and records what it receives.
type fakeRelay struct {
	t      *testing.T
	srv    *httptest.Server
	token  string
	dials  atomic.Int32
	mu     sync.Mutex
	conns  []*relayConn
	events chan core.Envelope
}

func newFakeRelay(t *testing.T, token string) *fakeRelay {
	t.Helper()
	r := &fakeRelay{t: t, token: token, events: make(chan core.Envelope, 64)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.dials.Add(1)
		if req.Header.Get("Authorization") != "Bearer "+r.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		c := &relayConn{ws: ws}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
		go func() {
			defer ws.Close()
			for {
				var env core.Envelope
				if err := ws.ReadJSON(&env); err != nil {
					return
				}
				r.events <- env
				if env.Ack != 0 && env.Event != "no-reply" {
					c.mu.Lock()
					_ = ws.WriteJSON(core.Envelope{Event: core.EventAck, Ack: env.Ack, Data: json.RawMessage(`{"participants":[]}`)})
					c.mu.Unlock()
				}
			}
		}()
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *fakeRelay) last() *relayConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.ws.Close()
	}
}

func (r *fakeRelay) next(t *testing.T) core.Envelope {
	t.Helper()
	select {
	case env := <-r.events:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("relay received nothing")
		return core.Envelope{}
	}
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	ch := NewChannel(Config{
		URL:          url,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  3,
	})
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestChannel_Request_Is_Acked_And_Handlers_Run_In_Order(t *testing.T) {
	req := require.New(t)
	relay := newFakeRelay(t, "good")
	ch := newTestChannel(t, relay.url())

	got := make(chan string, 3)
	ch.On(core.EventUserLeft, func(p json.RawMessage) {
		var ref core.UserRef
		_ = json.Unmarshal(p, &ref)
		got <- string(ref.UserID)
	})

	// Given a connected channel
	req.NoError(ch.Connect(context.Background(), staticToken("good")))

	// When a join is requested
	reply, err := ch.Request(context.Background(), core.EventJoinRoom, core.JoinRequest{RoomID: "r1", UserID: "u1"})

	// Then the relay's ack is returned
	req.NoError(err)
	req.JSONEq(`{"participants":[]}`, string(reply))
	env := relay.next(t)
	req.Equal(core.EventJoinRoom, env.Event)
	req.NotZero(env.Ack)

	// And pushed events reach the handler in arrival order
	for _, id := range []string{"a", "b", "c"} {
		data, _ := json.Marshal(core.UserRef{UserID: domain.ParticipantID(id)})
		relay.last().push(t, core.Envelope{Event: core.EventUserLeft, Data: data})
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case id := <-got:
			req.Equal(want, id)
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestChannel_Invalid_Payload_Is_Not_Sent(t *testing.T) {
	req := require.New(t)
	relay := newFakeRelay(t, "good")
	ch := newTestChannel(t, relay.url())
	req.NoError(ch.Connect(context.Background(), staticToken("good")))

	err := ch.Send(core.EventToggleAudio, core.ToggleAudio{})

	req.Error(err)
	var netErr *domain.NetworkError
	req.False(errors.As(err, &netErr))
}

func TestChannel_Refreshes_Credential_Once(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	relay := newFakeRelay(t, "fresh")
	ch := newTestChannel(t, relay.url())
	creds := mocks.NewMockCredentials(ctrl)

	// Given a stale token that the refresh endpoint replaces
	gomock.InOrder(
		creds.EXPECT().Token(gomock.Any()).Return("stale", nil),
		creds.EXPECT().Refresh(gomock.Any()).Return("fresh", nil),
		creds.EXPECT().Token(gomock.Any()).Return("fresh", nil),
	)

	// When connecting
	err := ch.Connect(context.Background(), creds)

	// Then the second dial succeeds without backoff
	req.NoError(err)
	req.Equal(int32(2), relay.dials.Load())
}

func TestChannel_Rejected_After_Refresh_Is_Fatal(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	relay := newFakeRelay(t, "fresh")
	ch := newTestChannel(t, relay.url())
	creds := mocks.NewMockCredentials(ctrl)
	creds.EXPECT().Token(gomock.Any()).Return("stale", nil).Times(2)
	creds.EXPECT().Refresh(gomock.Any()).Return("still-stale", nil).Times(1)

	err := ch.Connect(context.Background(), creds)

	var authErr *domain.AuthError
	req.ErrorAs(err, &authErr)
	req.Equal(http.StatusUnauthorized, authErr.Status)
	req.True(domain.IsFatal(err))
	req.Equal(int32(2), relay.dials.Load())
}

func TestChannel_Unreachable_Relay_Gives_Up(t *testing.T) {
	req := require.New(t)
	relay := newFakeRelay(t, "good")
	url := relay.url()
	relay.srv.Close()
	ch := newTestChannel(t, url)

	err := ch.Connect(context.Background(), staticToken("good"))

	var netErr *domain.NetworkError
	req.ErrorAs(err, &netErr)
	req.Equal(3, netErr.Attempts)
	req.True(domain.IsFatal(err))
}

func TestChannel_Reconnects_After_Drop(t *testing.T) {
	req := require.New(t)
	relay := newFakeRelay(t, "good")
	ch := newTestChannel(t, relay.url())

	var mu sync.Mutex
	var states []core.ConnState
	ch.OnState(func(s core.ConnState, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	req.NoError(ch.Connect(context.Background(), staticToken("good")))

	// Given a request the relay never answers
	pending := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), "no-reply", nil)
		pending <- err
	}()
	req.Equal(core.Event("no-reply"), relay.next(t).Event)

	// When the relay drops the connection
	relay.dropAll()

	// Then the pending request fails with a transient error
	select {
	case err := <-pending:
		var netErr *domain.NetworkError
		req.ErrorAs(err, &netErr)
		req.False(domain.IsFatal(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}

	// And the channel comes back on its own
	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	req.Equal([]core.ConnState{core.ConnReconnecting, core.ConnConnected}, states)
	mu.Unlock()
	req.NoError(ch.Send(core.EventToggleAudio, core.ToggleAudio{RoomID: "r1", IsAudioOn: true}))
	req.Equal(core.EventToggleAudio, relay.next(t).Event)
}

func TestChannel_Send_Fails_Fast_While_Down(t *testing.T) {
	req := require.New(t)
	relay := newFakeRelay(t, "good")
	ch := newTestChannel(t, relay.url())

	err := ch.Send(core.EventToggleAudio, core.ToggleAudio{RoomID: "r1"})
	var netErr *domain.NetworkError
	req.ErrorAs(err, &netErr)
	req.False(domain.IsFatal(err))

	req.NoError(ch.Connect(context.Background(), staticToken("good")))
	ch.Disconnect()
	ch.Disconnect()

	req.ErrorAs(ch.Send(core.EventToggleAudio, core.ToggleAudio{RoomID: "r1"}), &netErr)
	req.ErrorIs(ch.Connect(context.Background(), staticToken("good")), ErrChannelClosed)
}
