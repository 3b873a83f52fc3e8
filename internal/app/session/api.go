package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/eventloop"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/peers"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
)

var ErrCallNotActive = errors.New("no active call for group")

// Snapshot is a consistent view of the session taken on the loop.
type Snapshot struct {
	domain.Session
	Participants []domain.Participant `json:"participants"`
	Links        []peers.LinkInfo     `json:"links"`
}

// call runs fn on the loop while the session is alive.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	if !c.alive() {
		return ErrSessionEnded
	}
	var err error
	derr := c.loop.Do(ctx, func() {
		if !c.alive() {
			err = ErrSessionEnded
			return
		}
		err = fn()
	})
	if errors.Is(derr, eventloop.ErrClosed) {
		return ErrSessionEnded
	}
	if derr != nil {
		return derr
	}
	return err
}

func (c *Controller) ToggleMic(ctx context.Context) error {
	return c.call(ctx, func() error { return c.control.ToggleMic(ctx) })
}

func (c *Controller) ToggleCamera(ctx context.Context) error {
	return c.call(ctx, func() error { return c.control.ToggleCamera(ctx) })
}

func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	return c.call(ctx, func() error { return c.control.ToggleScreenShare(ctx) })
}

func (c *Controller) Mute(ctx context.Context, id domain.ParticipantID) error {
	return c.call(ctx, func() error { return c.control.Mute(id) })
}

func (c *Controller) Unmute(ctx context.Context, id domain.ParticipantID) error {
	return c.call(ctx, func() error { return c.control.Unmute(id) })
}

func (c *Controller) SendGroup(ctx context.Context, content string, att *domain.Attachment) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := c.call(ctx, func() error {
		var err error
		msg, err = c.chat.SendGroup(content, att)
		return err
	})
	return msg, err
}

func (c *Controller) SendPrivate(ctx context.Context, to domain.ParticipantID, content string, att *domain.Attachment) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := c.call(ctx, func() error {
		var err error
		msg, err = c.chat.SendPrivate(to, content, att)
		return err
	})
	return msg, err
}

func (c *Controller) History(ctx context.Context, scope domain.Scope) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := c.call(ctx, func() error {
		out = c.chat.History(scope)
		return nil
	})
	return out, err
}

func (c *Controller) Participants(ctx context.Context) ([]domain.Participant, error) {
	var out []domain.Participant
	err := c.call(ctx, func() error {
		out = c.registry.All()
		return nil
	})
	return out, err
}

// Flags is readable from any goroutine.
func (c *Controller) Flags() domain.MediaFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// OnRemoteStream delivers current and future tracks of peer to fn on the
// session loop; fn must not block.
func (c *Controller) OnRemoteStream(ctx context.Context, peer domain.ParticipantID, fn func(core.RemoteTrack)) (cancel func(), err error) {
	var inner func()
	err = c.call(ctx, func() error {
		inner = c.peers.OnRemoteStream(peer, fn)
		return nil
	})
	if err != nil {
		return func() {}, err
	}
	return func() { c.loop.Post(inner) }, nil
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	snap := Snapshot{Session: domain.Session{
		RoomID:  c.cfg.RoomID,
		GroupID: c.cfg.GroupID,
		LocalID: c.cfg.Local.ID,
		State:   c.state,
		Media:   c.flags,
	}}
	c.mu.Unlock()

	err := c.call(ctx, func() error {
		snap.Participants = c.registry.All()
		snap.Links = c.peers.Links()
		return nil
	})
	if errors.Is(err, ErrSessionEnded) {
		return snap, nil
	}
	return snap, err
}

// ResolveRoom finds the room of the group's active call, creating the
// call record when create is set.
func ResolveRoom(ctx context.Context, calls Calls, group domain.GroupID, create bool) (domain.RoomID, error) {
	st, err := calls.CallStatus(ctx, group)
	if err != nil {
		return "", fmt.Errorf("call status: %w", err)
	}
	if st.Active && st.RoomID != "" {
		return st.RoomID, nil
	}
	if !create {
		return "", fmt.Errorf("%s: %w", group, ErrCallNotActive)
	}
	room, err := calls.CreateCall(ctx, group)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	return room, nil
}
