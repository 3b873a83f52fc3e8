package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/peers"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/session"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
)

type stubSession struct {
	flags domain.MediaFlags
	sent  []domain.ChatMessage
	muted []domain.ParticipantID
	left  bool
	snap  session.Snapshot
}

func (s *stubSession) Snapshot(context.Context) (session.Snapshot, error) { return s.snap, nil }
func (s *stubSession) Participants(context.Context) ([]domain.Participant, error) {
	return s.snap.Participants, nil
}
func (s *stubSession) ToggleMic(context.Context) error {
	s.flags.Mic = !s.flags.Mic
	return nil
}
func (s *stubSession) ToggleCamera(context.Context) error      { return nil }
func (s *stubSession) ToggleScreenShare(context.Context) error { return nil }
func (s *stubSession) Mute(_ context.Context, id domain.ParticipantID) error {
	s.muted = append(s.muted, id)
	return nil
}
func (s *stubSession) Unmute(context.Context, domain.ParticipantID) error { return nil }
func (s *stubSession) SendGroup(_ context.Context, content string, att *domain.Attachment) (domain.ChatMessage, error) {
	m := domain.ChatMessage{Scope: domain.GroupScope(), Content: content, Attachment: att}
	s.sent = append(s.sent, m)
	return m, nil
}
func (s *stubSession) SendPrivate(_ context.Context, to domain.ParticipantID, content string, att *domain.Attachment) (domain.ChatMessage, error) {
	m := domain.ChatMessage{Scope: domain.PrivateScope(to), Content: content, Attachment: att}
	s.sent = append(s.sent, m)
	return m, nil
}
func (s *stubSession) History(context.Context, domain.Scope) ([]domain.ChatMessage, error) {
	return s.sent, nil
}
func (s *stubSession) Flags() domain.MediaFlags { return s.flags }
func (s *stubSession) Leave()                   { s.left = true }
func (s *stubSession) End(context.Context) error {
	s.left = true
	return nil
}

func newTestConsole(s *stubSession) (*console, *bytes.Buffer) {
	out := &bytes.Buffer{}
	c := newConsole(s, out)
	c.readFile = func(path string) ([]byte, error) {
		if path == "slides.png" {
			return []byte("\x89PNG\r\n\x1a\n"), nil
		}
		return nil, errors.New("no such file")
	}
	return c, out
}

func TestConsole_Plain_Text_Goes_To_Group(t *testing.T) {
	req := require.New(t)
	s := &stubSession{}
	c, _ := newTestConsole(s)

	req.NoError(c.exec(context.Background(), "hello all"))

	req.Len(s.sent, 1)
	req.Equal(domain.GroupScope(), s.sent[0].Scope)
	req.Equal("hello all", s.sent[0].Content)
}

func TestConsole_Dm_And_Send(t *testing.T) {
	req := require.New(t)
	s := &stubSession{}
	c, _ := newTestConsole(s)

	req.NoError(c.exec(context.Background(), "/dm b see you"))
	req.NoError(c.exec(context.Background(), "/send slides.png b"))
	req.Error(c.exec(context.Background(), "/send missing.txt"))

	req.Len(s.sent, 2)
	req.Equal(domain.PrivateScope("b"), s.sent[0].Scope)
	req.Equal("see you", s.sent[0].Content)
	req.Equal("image/png", s.sent[1].Attachment.Type)
	req.Equal(domain.PrivateScope("b"), s.sent[1].Scope)
}

func TestConsole_Toggle_Prints_Flags(t *testing.T) {
	req := require.New(t)
	s := &stubSession{}
	c, out := newTestConsole(s)

	req.NoError(c.exec(context.Background(), "/mic"))

	req.Contains(out.String(), "mic=on camera=off")
}

func TestConsole_Who_Renders_Table(t *testing.T) {
	req := require.New(t)
	s := &stubSession{snap: session.Snapshot{
		Session: domain.Session{LocalID: "a"},
		Participants: []domain.Participant{
			{ID: "a", DisplayName: "Ada", Mic: true, IsModerator: true},
			{ID: "b", DisplayName: "Bob"},
		},
		Links: []peers.LinkInfo{{Peer: "b", State: "connected"}},
	}}
	c, out := newTestConsole(s)

	req.NoError(c.exec(context.Background(), "/who"))

	text := out.String()
	req.Contains(text, "Ada")
	req.Contains(text, "connected")
	req.Contains(text, "local")
}

func TestConsole_Rejects_Bad_Commands(t *testing.T) {
	req := require.New(t)
	c, _ := newTestConsole(&stubSession{})

	req.Error(c.exec(context.Background(), "/mute"))
	req.Error(c.exec(context.Background(), "/dance"))
}

func TestConsole_Run_Leaves_On_Eof(t *testing.T) {
	req := require.New(t)
	s := &stubSession{}
	c, _ := newTestConsole(s)

	done := make(chan struct{})
	go func() {
		c.run(context.Background(), strings.NewReader("/mute b\n"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console did not stop")
	}
	req.Equal([]domain.ParticipantID{"b"}, s.muted)
	req.True(s.left)
}

func TestPrintEvent_Notice_And_Chat(t *testing.T) {
	req := require.New(t)
	out := &bytes.Buffer{}

	req.True(printEvent(out, session.Event{Kind: session.EventNotice, Message: "connection to b failed", Err: errors.New("ice")}))
	req.True(printEvent(out, session.Event{Kind: session.EventChatReceived, Chat: &domain.ChatMessage{SenderName: "Bob", Content: "hi"}}))
	req.False(printEvent(out, session.Event{Kind: session.EventFlagsChanged}))

	req.Contains(out.String(), "connection to b failed: ice")
	req.Contains(out.String(), "Bob: hi")
}
