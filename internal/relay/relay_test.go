package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	router "github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/http"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/adapters/signal"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/config"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fixture struct {
	srv     *httptest.Server
	hub     *relay.Hub
	records *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	records, err := store.Open("")
	require.NoError(t, err)
	hub := relay.NewHub(relay.Config{Secret: secret, ModeratorRole: "teacher", PingPeriod: time.Second}, records)
	srv := httptest.NewServer(router.SetupRelayRouter(&config.RelayConfig{Mode: "test"}, hub))
	t.Cleanup(func() {
		srv.Close()
		_ = records.Close()
	})
	return &fixture{srv: srv, hub: hub, records: records}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func token(t *testing.T, user domain.ParticipantID, role string) string {
	t.Helper()
	tok, err := relay.IssueToken(secret, user, strings.ToUpper(string(user)), role, time.Hour)
	require.NoError(t, err)
	return tok
}

// client is a raw websocket peer that keeps every envelope it receives.
type client struct {
	t      *testing.T
	id     domain.ParticipantID
	ws     *websocket.Conn
	mu     sync.Mutex
	inbox  []core.Envelope
	closed bool
	nextID uint64
}

func (f *fixture) dial(t *testing.T, id domain.ParticipantID, role string) *client {
	t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + token(t, id, role)}}
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	c := &client{t: t, id: id, ws: ws}
	t.Cleanup(func() { _ = ws.Close() })
	go func() {
		for {
			var env core.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Lock()
			c.inbox = append(c.inbox, env)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *client) send(event core.Event, payload any) uint64 {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	env := core.Envelope{Event: event, Data: data}
	if event == core.EventJoinRoom {
		c.nextID++
		env.Ack = c.nextID
	}
	require.NoError(c.t, c.ws.WriteJSON(env))
	return env.Ack
}

// next waits for the first unread envelope of event and consumes it.
func (c *client) next(event core.Event) core.Envelope {
	c.t.Helper()
	var got core.Envelope
	require.Eventually(c.t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, env := range c.inbox {
			if env.Event == event {
				got = env
				c.inbox = append(c.inbox[:i:i], c.inbox[i+1:]...)
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s for %s", event, c.id)
	return got
}

func (c *client) none(event core.Event, wait time.Duration) {
	c.t.Helper()
	time.Sleep(wait)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.inbox {
		require.NotEqual(c.t, event, env.Event, "unexpected %s for %s", event, c.id)
	}
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *client) join(room domain.RoomID, group domain.GroupID) core.JoinReply {
	c.t.Helper()
	ack := c.send(core.EventJoinRoom, core.JoinRequest{RoomID: room, GroupID: group, UserID: c.id, Name: strings.ToUpper(string(c.id))})
	env := c.next(core.EventAck)
	require.Equal(c.t, ack, env.Ack)
	var reply core.JoinReply
	require.NoError(c.t, json.Unmarshal(env.Data, &reply))
	return reply
}

func payload[T any](t *testing.T, env core.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func ids(list []domain.Participant) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func find(list []domain.Participant, id domain.ParticipantID) domain.Participant {
	for _, p := range list {
		if p.ID == id {
			return p
		}
	}
	return domain.Participant{}
}

func TestRelay_Rejects_Missing_Or_Bad_Token(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	forged, err := relay.IssueToken([]byte("other"), "u1", "", "", time.Hour)
	req.NoError(err)
	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL(), http.Header{"Authorization": []string{"Bearer " + forged}})
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	// Browsers pass the token as a query parameter
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+token(t, "u1", ""), nil)
	req.NoError(err)
	_ = ws.Close()
}

func TestRelay_Join_Keeps_Order_And_Announces(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")

	// Given A joined first
	replyA := a.join("r1", "")
	req.Equal([]domain.ParticipantID{"a"}, ids(replyA.Participants))
	req.True(replyA.Participants[0].IsModerator)

	// When B joins
	replyB := b.join("r1", "")

	// Then B sees the relay's join order and A is told about B
	req.Equal([]domain.ParticipantID{"a", "b"}, ids(replyB.Participants))
	req.False(find(replyB.Participants, "b").IsModerator)
	req.NotEmpty(find(replyB.Participants, "b").Address)
	update := payload[core.ParticipantsUpdated](t, a.next(core.EventParticipantsUpdated))
	req.Equal([]domain.ParticipantID{"a", "b"}, ids(update.Participants))

	info, ok := f.hub.Room("r1")
	req.True(ok)
	req.Len(info.Participants, 2)
}

func TestRelay_Join_Refuses_Foreign_Identity(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")

	a.send(core.EventJoinRoom, core.JoinRequest{RoomID: "r1", UserID: "someone-else"})
	reply := payload[core.JoinReply](t, a.next(core.EventAck))

	req.NotEmpty(reply.Error)
	_, ok := f.hub.Room("r1")
	req.False(ok)
}

func TestRelay_Routes_Signal_By_Address(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")
	a.join("r1", "")
	reply := b.join("r1", "")
	addrA := find(reply.Participants, "a").Address
	addrB := find(reply.Participants, "b").Address

	b.send(core.EventSignal, core.SignalOut{To: addrA, Initiator: false, Signal: offer("v=0")})

	in := payload[core.SignalIn](t, a.next(core.EventSignal))
	req.Equal(addrB, in.From)
	req.Equal(domain.ParticipantID("b"), in.FromUserID)
	req.Equal("v=0", in.Signal.SDP)

	// An address that is not in the room is refused to the sender
	b.send(core.EventSignal, core.SignalOut{To: "ghost", Signal: offer("v=0")})
	refusal := payload[core.ErrorPayload](t, b.next(core.EventError))
	req.Equal(core.EventSignal, refusal.Event)
}

func TestRelay_Mute_Requires_Moderator(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")
	a.join("r1", "")
	b.join("r1", "")
	a.next(core.EventParticipantsUpdated)

	// When B, who is not the moderator, mutes A
	b.send(core.EventMuteUser, core.Moderation{RoomID: "r1", UserID: "a"})

	// Then B is refused and A hears nothing
	refusal := payload[core.ErrorPayload](t, b.next(core.EventError))
	req.Equal(core.EventMuteUser, refusal.Event)
	a.none(core.EventUserMuted, 50*time.Millisecond)

	// When the moderator mutes B
	b.send(core.EventToggleAudio, core.ToggleAudio{RoomID: "r1", IsAudioOn: true})
	a.next(core.EventParticipantsUpdated)
	a.send(core.EventMuteUser, core.Moderation{RoomID: "r1", UserID: "b"})

	// Then everybody learns it and B's record is muted
	muted := payload[core.UserRef](t, b.next(core.EventUserMuted))
	req.Equal(domain.ParticipantID("b"), muted.UserID)
	update := payload[core.ParticipantsUpdated](t, a.next(core.EventParticipantsUpdated))
	req.False(find(update.Participants, "b").Mic)
}

func TestRelay_Teacher_Role_Moderates(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	tch := f.dial(t, "t", "teacher")
	a.join("r1", "")

	reply := tch.join("r1", "")

	req.True(find(reply.Participants, "t").IsModerator)
	req.True(find(reply.Participants, "a").IsModerator)
}

func TestRelay_Group_Chat_Is_Echoed_With_Server_Id(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")
	a.join("r1", "")
	b.join("r1", "")

	a.send(core.EventGroupMessage, core.GroupMessageOut{RoomID: "r1", ClientID: "c-1", Content: "  hi  "})

	echo := payload[core.ChatPayload](t, a.next(core.EventGroupMessage))
	got := payload[core.ChatPayload](t, b.next(core.EventGroupMessage))
	req.Equal(echo, got)
	req.NotEmpty(echo.ID)
	req.NotEqual("c-1", echo.ID)
	req.Equal("c-1", echo.ClientID)
	req.Equal("hi", echo.Content)
	req.Equal(domain.ParticipantID("a"), echo.SenderID)
	req.Equal("A", echo.SenderName)
	req.False(echo.Timestamp.IsZero())

	a.send(core.EventGroupMessage, core.GroupMessageOut{RoomID: "r1", ClientID: "c-2", Content: "   "})
	req.Equal(core.EventGroupMessage, payload[core.ErrorPayload](t, a.next(core.EventError)).Event)
}

func TestRelay_Refused_Chat_Echoes_Client_Id(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	a.join("r1", "")

	// When a sends an empty group message and a private one to nobody
	a.send(core.EventGroupMessage, core.GroupMessageOut{RoomID: "r1", ClientID: "c-empty", Content: " "})
	a.send(core.EventPrivateMessage, core.PrivateMessageOut{RoomID: "r1", To: "nowhere", ToUserID: "ghost", ClientID: "c-ghost", Content: "hi"})

	// Then each refusal names the message it refuses
	group := payload[core.ErrorPayload](t, a.next(core.EventError))
	req.Equal(core.EventGroupMessage, group.Event)
	req.Equal("c-empty", group.ClientID)
	private := payload[core.ErrorPayload](t, a.next(core.EventError))
	req.Equal(core.EventPrivateMessage, private.Event)
	req.Equal("c-ghost", private.ClientID)
}

func TestRelay_Private_Message_Reaches_Recipient_And_Echoes(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")
	c := f.dial(t, "c", "")
	a.join("r1", "")
	b.join("r1", "")
	reply := c.join("r1", "")
	addrA := find(reply.Participants, "a").Address
	addrB := find(reply.Participants, "b").Address

	a.send(core.EventPrivateMessage, core.PrivateMessageOut{RoomID: "r1", To: addrB, ToUserID: "b", ClientID: "p-1", Content: "psst"})

	in := payload[core.PrivateMessageIn](t, b.next(core.EventPrivateMessage))
	req.Equal(addrA, in.From)
	req.Equal("psst", in.Message.Content)
	echo := payload[core.PrivateMessageIn](t, a.next(core.EventPrivateMessage))
	req.Equal(addrB, echo.To)
	req.Equal(domain.ParticipantID("b"), echo.ToUserID)
	req.Equal(in.Message.ID, echo.Message.ID)
	c.none(core.EventPrivateMessage, 50*time.Millisecond)
}

func TestRelay_Disconnect_Announces_User_Left(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")
	a.join("r1", "")
	b.join("r1", "")
	a.next(core.EventParticipantsUpdated)

	_ = b.ws.Close()

	left := payload[core.UserRef](t, a.next(core.EventUserLeft))
	req.Equal(domain.ParticipantID("b"), left.UserID)
	update := payload[core.ParticipantsUpdated](t, a.next(core.EventParticipantsUpdated))
	req.Equal([]domain.ParticipantID{"a"}, ids(update.Participants))

	// The last member leaving closes the room
	_ = a.ws.Close()
	req.Eventually(func() bool {
		_, ok := f.hub.Room("r1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelay_Rejoin_Replaces_Stale_Connection(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")
	a.join("r1", "")
	b.join("r1", "")

	// When A comes back on a new connection before the old one dropped
	a2 := f.dial(t, "a", "")
	reply := a2.join("r1", "")

	// Then A is listed once, after B, at the new address
	req.Equal([]domain.ParticipantID{"b", "a"}, ids(reply.Participants))
	update := payload[core.ParticipantsUpdated](t, b.next(core.EventParticipantsUpdated))
	req.Equal(find(reply.Participants, "a").Address, find(update.Participants, "a").Address)
	req.True(find(reply.Participants, "a").IsModerator)

	// And closing the stale connection does not evict A
	req.Eventually(a.isClosed, 2*time.Second, 5*time.Millisecond)
	b.none(core.EventUserLeft, 100*time.Millisecond)
	info, _ := f.hub.Room("r1")
	req.Len(info.Participants, 2)
}

func TestRelay_Moderator_Ends_Call_For_Everybody(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	rec, _, err := f.records.Create("g1", "a")
	req.NoError(err)
	a := f.dial(t, "a", "")
	b := f.dial(t, "b", "")

	// B joins first, but A created the call record
	replyB := b.join(rec.RoomID, "g1")
	req.False(find(replyB.Participants, "b").IsModerator)
	replyA := a.join(rec.RoomID, "g1")
	req.True(find(replyA.Participants, "a").IsModerator)

	b.send(core.EventCallEnded, core.CallEnded{RoomID: rec.RoomID, GroupID: "g1"})
	req.Equal(core.EventCallEnded, payload[core.ErrorPayload](t, b.next(core.EventError)).Event)

	a.send(core.EventCallEnded, core.CallEnded{RoomID: rec.RoomID, GroupID: "g1"})

	ended := payload[core.CallEnded](t, b.next(core.EventCallEnded))
	req.Equal(rec.RoomID, ended.RoomID)
	a.next(core.EventCallEnded)
	status, err := f.records.Status("g1")
	req.NoError(err)
	req.False(status.Active)
	_, ok := f.hub.Room(rec.RoomID)
	req.False(ok)
}

func (f *fixture) rest(t *testing.T, method, path string, user domain.ParticipantID, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+token(t, user, ""))
	r.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRelay_Call_Records_Rest(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	code, out := f.rest(t, http.MethodPost, "/api/video-call/create", "a", map[string]any{"groupId": "g1"})
	req.Equal(http.StatusCreated, code)
	room := out["roomId"]
	req.NotEmpty(room)

	code, out = f.rest(t, http.MethodPost, "/api/video-call/create", "b", map[string]any{"groupId": "g1"})
	req.Equal(http.StatusOK, code)
	req.Equal(room, out["roomId"])

	code, out = f.rest(t, http.MethodGet, "/api/video-call/status/g1", "b", nil)
	req.Equal(http.StatusOK, code)
	req.Equal(true, out["active"])

	code, _ = f.rest(t, http.MethodPost, "/api/video-call/create", "a", map[string]any{})
	req.Equal(http.StatusBadRequest, code)

	// Only the creator ends the call
	member := f.dial(t, "b", "")
	member.join(domain.RoomID(room.(string)), "g1")
	code, _ = f.rest(t, http.MethodPost, "/api/video-call/end/g1", "b", nil)
	req.Equal(http.StatusForbidden, code)

	code, _ = f.rest(t, http.MethodPost, "/api/video-call/end/g1", "a", nil)
	req.Equal(http.StatusOK, code)
	member.next(core.EventCallEnded)

	code, out = f.rest(t, http.MethodGet, "/api/video-call/status/g1", "a", nil)
	req.Equal(http.StatusOK, code)
	req.Equal(false, out["active"])

	code, _ = f.rest(t, http.MethodPost, "/api/video-call/end/nope", "a", nil)
	req.Equal(http.StatusNotFound, code)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error)   { return string(s), nil }
func (s staticToken) Refresh(context.Context) (string, error) { return string(s), nil }

func TestRelay_Serves_Signal_Channel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := signal.NewChannel(signal.Config{URL: f.wsURL()})
	updates := make(chan core.ParticipantsUpdated, 4)
	ch.On(core.EventParticipantsUpdated, func(raw json.RawMessage) {
		var p core.ParticipantsUpdated
		if json.Unmarshal(raw, &p) == nil {
			updates <- p
		}
	})
	req.NoError(ch.Connect(ctx, staticToken(token(t, "a", ""))))
	defer ch.Disconnect()

	raw, err := ch.Request(ctx, core.EventJoinRoom, core.JoinRequest{RoomID: "r1", UserID: "a", Name: "Ada"})
	req.NoError(err)
	var reply core.JoinReply
	req.NoError(json.Unmarshal(raw, &reply))
	req.Equal("Ada", reply.Participants[0].DisplayName)

	b := f.dial(t, "b", "")
	b.join("r1", "")
	select {
	case p := <-updates:
		req.Equal([]domain.ParticipantID{"a", "b"}, ids(p.Participants))
	case <-ctx.Done():
		req.Fail("no participants-updated")
	}
}
