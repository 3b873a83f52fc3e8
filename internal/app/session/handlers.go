package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/pion/webrtc/v4"
)

// signaler routes descriptions to the current channel address of a
// participant; it runs on the loop.
type signaler struct{ c *Controller }

func (s signaler) SendSignal(to domain.ParticipantID, desc webrtc.SessionDescription, initiator bool) error {
	p, ok := s.c.registry.Get(to)
	if !ok || p.Address == "" {
		return fmt.Errorf("%s: %w", to, domain.ErrUnknownRecipient)
	}
	return s.c.channel.Send(core.EventSignal, core.SignalOut{To: p.Address, Signal: desc, Initiator: initiator})
}

func (c *Controller) registerHandlers() {
	c.handle(core.EventParticipantsUpdated, c.onParticipantsUpdated)
	c.handle(core.EventUserLeft, c.onUserLeft)
	c.handle(core.EventSignal, c.onSignal)
	c.handle(core.EventScreenSharing, c.onScreenSharing)
	c.handle(core.EventUserMuted, func(raw json.RawMessage) error { return c.onRemoteMute(raw, true) })
	c.handle(core.EventUserUnmuted, func(raw json.RawMessage) error { return c.onRemoteMute(raw, false) })
	c.handle(core.EventGroupMessage, c.onGroupMessage)
	c.handle(core.EventPrivateMessage, c.onPrivateMessage)
	c.handle(core.EventError, c.onRelayError)

	// call-ended tears down, which must not run on the loop or the reader.
	c.channel.On(core.EventCallEnded, func(json.RawMessage) {
		if !c.alive() {
			return
		}
		c.logger.Info().Msg("call ended by relay")
		go c.Leave()
	})

	c.channel.OnState(func(state core.ConnState, err error) {
		if !c.alive() {
			return
		}
		switch state {
		case core.ConnReconnecting:
			c.emit(Event{Kind: EventNotice, Err: err, Message: "connection lost, reconnecting"})
		case core.ConnConnected:
			go c.rejoin()
		case core.ConnClosed:
			if err == nil {
				err = &domain.NetworkError{Op: "signaling", Err: errors.New("channel closed")}
			}
			go func() { _ = c.fail(err) }()
		}
	})
}

// handle runs fn on the loop for every inbound event while the session
// is alive. Errors are protocol violations: logged and dropped.
func (c *Controller) handle(event core.Event, fn func(json.RawMessage) error) {
	c.channel.On(event, func(raw json.RawMessage) {
		c.loop.Post(func() {
			if !c.alive() {
				return
			}
			if err := fn(raw); err != nil {
				c.violation(event, err)
			}
		})
	})
}

func (c *Controller) violation(event core.Event, err error) {
	var pv *domain.ProtocolViolation
	if errors.As(err, &pv) {
		metrics.ProtocolViolationsTotal.WithLabelValues(string(event)).Inc()
	}
	c.logger.Warn().Err(err).Str("event", string(event)).Msg("inbound event dropped")
}

func decode[T any](c *Controller, event core.Event, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &domain.ProtocolViolation{Event: string(event), Reason: "malformed payload", Err: err}
	}
	if err := c.validate.Struct(v); err != nil {
		return v, &domain.ProtocolViolation{Event: string(event), Reason: "invalid payload", Err: err}
	}
	return v, nil
}

// join performs the join handshake and replaces the registry with the
// relay's member list. Used on start and after every reconnect.
func (c *Controller) join(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	raw, err := c.channel.Request(ctx, core.EventJoinRoom, core.JoinRequest{
		RoomID:  c.cfg.RoomID,
		GroupID: c.cfg.GroupID,
		UserID:  c.cfg.Local.ID,
		Name:    c.cfg.Local.DisplayName,
	})
	if err != nil {
		var netErr *domain.NetworkError
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return &domain.NetworkError{Op: "join-room", Attempts: 1, Err: err}
		}
		return err
	}
	reply, err := decode[core.JoinReply](c, core.EventJoinRoom, raw)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrJoinRejected, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s", domain.ErrJoinRejected, reply.Error)
	}

	return c.loop.Do(ctx, func() {
		if !c.alive() {
			return
		}
		if ch := c.registry.Replace(reply.Participants); ch.Empty() {
			c.peers.Reconcile(c.registry.All())
		}
		if err := c.control.Announce(); err != nil {
			c.logger.Warn().Err(err).Msg("media state not announced")
		}
		c.logger.Info().Int("participants", c.registry.Len()).Msg("joined room")
	})
}

// rejoin runs after every reconnect. A network error or timeout during
// the handshake waits for the next reconnect; ConnClosed alone is fatal.
func (c *Controller) rejoin() {
	if err := c.join(c.ctx); err != nil {
		if !c.alive() {
			return
		}
		var netErr *domain.NetworkError
		if errors.As(err, &netErr) {
			c.logger.Warn().Err(err).Msg("rejoin interrupted, waiting for reconnect")
			c.emit(Event{Kind: EventNotice, Err: err, Message: "rejoin interrupted, waiting to reconnect"})
			return
		}
		_ = c.fail(err)
		return
	}
	c.emit(Event{Kind: EventNotice, Message: "reconnected"})
}

func (c *Controller) onParticipantsUpdated(raw json.RawMessage) error {
	p, err := decode[core.ParticipantsUpdated](c, core.EventParticipantsUpdated, raw)
	if err != nil {
		return err
	}
	c.registry.Replace(p.Participants)
	return nil
}

func (c *Controller) onUserLeft(raw json.RawMessage) error {
	ref, err := decode[core.UserRef](c, core.EventUserLeft, raw)
	if err != nil {
		return err
	}
	c.registry.Remove(ref.UserID)
	return nil
}

func (c *Controller) onSignal(raw json.RawMessage) error {
	in, err := decode[core.SignalIn](c, core.EventSignal, raw)
	if err != nil {
		return err
	}
	peer, ok := c.registry.ByAddress(in.From)
	if !ok && in.FromUserID != "" {
		peer, ok = c.registry.Get(in.FromUserID)
	}
	if !ok {
		return &domain.ProtocolViolation{Event: string(core.EventSignal), Reason: "signal from unknown participant " + string(in.From)}
	}
	return c.peers.HandleSignal(peer.ID, in.Signal, in.Initiator)
}

func (c *Controller) onScreenSharing(raw json.RawMessage) error {
	in, err := decode[core.ScreenSharingIn](c, core.EventScreenSharing, raw)
	if err != nil {
		return err
	}
	if !c.registry.Update(in.UserID, func(p *domain.Participant) { p.ScreenShare = in.IsSharing }) {
		return &domain.ProtocolViolation{Event: string(core.EventScreenSharing), Reason: "unknown participant " + string(in.UserID)}
	}
	return nil
}

func (c *Controller) onRemoteMute(raw json.RawMessage, muted bool) error {
	event := core.EventUserUnmuted
	if muted {
		event = core.EventUserMuted
	}
	ref, err := decode[core.UserRef](c, event, raw)
	if err != nil {
		return err
	}
	if ref.UserID == c.cfg.Local.ID {
		c.control.ApplyRemoteMute(muted)
		msg := "a moderator unmuted your microphone"
		if muted {
			msg = "a moderator muted your microphone"
		}
		c.emit(Event{Kind: EventNotice, Message: msg})
	}
	c.registry.Update(ref.UserID, func(p *domain.Participant) { p.Mic = !muted })
	return nil
}

func (c *Controller) onGroupMessage(raw json.RawMessage) error {
	p, err := decode[core.ChatPayload](c, core.EventGroupMessage, raw)
	if err != nil {
		return err
	}
	c.chat.ReceiveGroup(p)
	return nil
}

func (c *Controller) onPrivateMessage(raw json.RawMessage) error {
	in, err := decode[core.PrivateMessageIn](c, core.EventPrivateMessage, raw)
	if err != nil {
		return err
	}
	return c.chat.ReceivePrivate(in)
}

func (c *Controller) onRelayError(raw json.RawMessage) error {
	var p core.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return &domain.ProtocolViolation{Event: string(core.EventError), Reason: "malformed payload", Err: err}
	}
	c.logger.Warn().Str("event", string(p.Event)).Str("error", p.Message).Msg("relay rejected event")
	if p.ClientID != "" {
		if _, ok := c.chat.Reject(p.ClientID); ok {
			c.emit(Event{Kind: EventNotice, Message: "message not sent: " + p.Message})
			return nil
		}
	}
	c.emit(Event{Kind: EventNotice, Message: p.Message})
	return nil
}
