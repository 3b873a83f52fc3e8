package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay/store"
	"github.com/google/uuid"
)

var (
	errBadPayload    = errors.New("bad_payload")
	errNotInRoom     = errors.New("not in room")
	errNotModerator  = errors.New("only the moderator can do this")
	errUnknownTarget = errors.New("recipient is not in the room")
	errRateLimited   = errors.New("too many messages")
	errIdentity      = errors.New("user id does not match the token")
)

// refusedMessage ties a chat refusal to the sender's client id.
type refusedMessage struct {
	clientID string
	err      error
}

func (e *refusedMessage) Error() string { return e.err.Error() }
func (e *refusedMessage) Unwrap() error { return e.err }

func refuse(clientID string, err error) error {
	if err == nil || clientID == "" {
		return err
	}
	return &refusedMessage{clientID: clientID, err: err}
}

func (h *Hub) handle(c *Conn, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Err(err).Msg("bad json")
		c.fail("", errBadPayload.Error(), "")
		return
	}
	fn, ok := h.handlers[env.Event]
	if !ok {
		metrics.RelayMessagesTotal.WithLabelValues("unknown").Inc()
		c.logger.Warn().Str("event", string(env.Event)).Msg("unknown event")
		c.fail(env.Event, "unknown event", "")
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues(string(env.Event)).Inc()
	if err := fn(c, env); err != nil {
		c.logger.Debug().Err(err).Str("event", string(env.Event)).Msg("request refused")
		var refused *refusedMessage
		clientID := ""
		if errors.As(err, &refused) {
			clientID = refused.clientID
		}
		c.fail(env.Event, err.Error(), clientID)
	}
}

func decode[T any](h *Hub, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("%w: %v", errBadPayload, err)
		}
	}
	if err := h.validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return v, nil
}

// member resolves the room c joined and c's record in it. A payload
// naming another room is refused.
func (h *Hub) member(c *Conn, claimed domain.RoomID) (*room, domain.Participant, error) {
	id := c.joined()
	if id == "" || (claimed != "" && claimed != id) {
		return nil, domain.Participant{}, errNotInRoom
	}
	r, ok := h.lookup(id)
	if !ok {
		return nil, domain.Participant{}, errNotInRoom
	}
	self, _, ok := r.get(c.User())
	if !ok || self.Address != c.addr {
		return nil, domain.Participant{}, errNotInRoom
	}
	return r, self, nil
}

func (h *Hub) onJoin(c *Conn, env core.Envelope) error {
	reply := func(r core.JoinReply) {
		data, err := frame(core.EventAck, r, env.Ack)
		if err == nil {
			err = c.TrySend(data)
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("join reply dropped")
		}
	}
	p, err := decode[core.JoinRequest](h, env.Data)
	if err != nil {
		reply(core.JoinReply{Error: errBadPayload.Error()})
		return nil
	}
	if p.UserID != c.User() {
		reply(core.JoinReply{Error: errIdentity.Error()})
		return nil
	}
	if prev := c.joined(); prev != "" && prev != p.RoomID {
		h.disconnect(c)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = c.claims.Name
	}
	if name == "" {
		name = string(c.User())
	}
	if len(name) > domain.MaxDisplayNameLen {
		name = name[:domain.MaxDisplayNameLen]
	}

	h.mu.Lock()
	r := h.getOrCreate(p.RoomID, p.GroupID)
	info := domain.Participant{
		ID:          c.User(),
		DisplayName: name,
		Address:     c.addr,
		IsModerator: h.isModerator(c, r),
	}
	stale := r.add(info, c)
	c.setRoom(r.id)
	h.mu.Unlock()

	if stale != nil {
		stale.logger.Info().Str("room_id", string(r.id)).Msg("replaced by a newer connection")
		stale.setRoom("")
		stale.Close()
	}

	c.logger.Info().Str("room_id", string(r.id)).Bool("moderator", info.IsModerator).Msg("joined")
	participants := r.participants()
	reply(core.JoinReply{Participants: participants})
	h.publish(r, c.addr, core.EventParticipantsUpdated, core.ParticipantsUpdated{Participants: participants})
	return nil
}

// isModerator: the token role, then the creator of the group's call
// record, then the first user who joined the room.
func (h *Hub) isModerator(c *Conn, r *room) bool {
	first := r.claim(c.User()) == c.User()
	if h.cfg.ModeratorRole != "" && c.claims.Role == h.cfg.ModeratorRole {
		return true
	}
	if rec, ok := h.recordOf(r); ok {
		return rec.CreatedBy == c.User()
	}
	return first
}

// recordOf finds the active call record owning r, by group when the room
// has one and by room id otherwise.
func (h *Hub) recordOf(r *room) (store.Record, bool) {
	if h.records == nil {
		return store.Record{}, false
	}
	var (
		rec store.Record
		err error
	)
	if r.group != "" {
		rec, err = h.records.Get(r.group)
	} else {
		rec, err = h.records.ByRoom(r.id)
	}
	if err != nil || !rec.Active || rec.RoomID != r.id {
		return store.Record{}, false
	}
	return rec, true
}

func (h *Hub) onSignal(c *Conn, env core.Envelope) error {
	p, err := decode[core.SignalOut](h, env.Data)
	if err != nil {
		return err
	}
	r, _, err := h.member(c, "")
	if err != nil {
		return err
	}
	_, target, ok := r.at(p.To)
	if !ok {
		return errUnknownTarget
	}
	h.deliver(r, target, core.EventSignal, core.SignalIn{
		From:       c.addr,
		FromUserID: c.User(),
		Signal:     p.Signal,
		Initiator:  p.Initiator,
	})
	return nil
}

func (h *Hub) onToggleVideo(c *Conn, env core.Envelope) error {
	p, err := decode[core.ToggleVideo](h, env.Data)
	if err != nil {
		return err
	}
	r, _, err := h.member(c, p.RoomID)
	if err != nil {
		return err
	}
	r.update(c.User(), func(pt *domain.Participant) { pt.Camera = p.IsVideoOn })
	h.announce(r)
	return nil
}

func (h *Hub) onToggleAudio(c *Conn, env core.Envelope) error {
	p, err := decode[core.ToggleAudio](h, env.Data)
	if err != nil {
		return err
	}
	r, _, err := h.member(c, p.RoomID)
	if err != nil {
		return err
	}
	r.update(c.User(), func(pt *domain.Participant) { pt.Mic = p.IsAudioOn })
	h.announce(r)
	return nil
}

func (h *Hub) onScreenSharing(c *Conn, env core.Envelope) error {
	p, err := decode[core.ScreenSharingOut](h, env.Data)
	if err != nil {
		return err
	}
	r, _, err := h.member(c, p.RoomID)
	if err != nil {
		return err
	}
	r.update(c.User(), func(pt *domain.Participant) { pt.ScreenShare = p.IsSharing })
	h.publish(r, c.addr, core.EventScreenSharing, core.ScreenSharingIn{UserID: c.User(), IsSharing: p.IsSharing})
	h.announce(r)
	return nil
}

func (h *Hub) onMute(c *Conn, env core.Envelope) error {
	return h.moderate(c, env, false)
}

func (h *Hub) onUnmute(c *Conn, env core.Envelope) error {
	return h.moderate(c, env, true)
}

func (h *Hub) moderate(c *Conn, env core.Envelope, audioOn bool) error {
	p, err := decode[core.Moderation](h, env.Data)
	if err != nil {
		return err
	}
	r, self, err := h.member(c, p.RoomID)
	if err != nil {
		return err
	}
	if !self.IsModerator {
		return errNotModerator
	}
	if !r.update(p.UserID, func(pt *domain.Participant) { pt.Mic = audioOn }) {
		return errUnknownTarget
	}
	event := core.EventUserMuted
	if audioOn {
		event = core.EventUserUnmuted
	}
	c.logger.Info().Str("room_id", string(r.id)).Str("target", string(p.UserID)).Str("event", string(event)).Msg("moderation")
	h.publish(r, "", event, core.UserRef{UserID: p.UserID})
	h.announce(r)
	return nil
}

func (h *Hub) chat(self domain.Participant, clientID, content string, file *domain.Attachment) (core.ChatPayload, error) {
	if !h.limiter.Allow(self.ID) {
		return core.ChatPayload{}, errRateLimited
	}
	content = strings.TrimSpace(content)
	if content == "" && file == nil {
		return core.ChatPayload{}, domain.ErrEmptyMessage
	}
	if file != nil && len(file.Data) > domain.MaxAttachmentSize {
		return core.ChatPayload{}, domain.ErrAttachmentTooLarge
	}
	return core.ChatPayload{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		SenderID:   self.ID,
		SenderName: self.DisplayName,
		Content:    content,
		File:       file,
		Timestamp:  h.now().UTC(),
	}, nil
}

// onGroupMessage echoes the message to everybody, the sender included,
// so the sender can reconcile its pending copy.
func (h *Hub) onGroupMessage(c *Conn, env core.Envelope) error {
	p, err := decode[core.GroupMessageOut](h, env.Data)
	if err != nil {
		return err
	}
	r, self, err := h.member(c, p.RoomID)
	if err != nil {
		return refuse(p.ClientID, err)
	}
	msg, err := h.chat(self, p.ClientID, p.Content, p.File)
	if err != nil {
		return refuse(p.ClientID, err)
	}
	h.publish(r, "", core.EventGroupMessage, msg)
	return nil
}

func (h *Hub) onPrivateMessage(c *Conn, env core.Envelope) error {
	p, err := decode[core.PrivateMessageOut](h, env.Data)
	if err != nil {
		return err
	}
	r, self, err := h.member(c, p.RoomID)
	if err != nil {
		return refuse(p.ClientID, err)
	}
	target, conn, ok := r.at(p.To)
	if !ok {
		target, conn, ok = r.get(p.ToUserID)
	}
	if !ok || target.ID == self.ID {
		return refuse(p.ClientID, errUnknownTarget)
	}
	msg, err := h.chat(self, p.ClientID, p.Content, p.File)
	if err != nil {
		return refuse(p.ClientID, err)
	}
	h.deliver(r, conn, core.EventPrivateMessage, core.PrivateMessageIn{From: c.addr, Message: msg})
	h.deliver(r, c, core.EventPrivateMessage, core.PrivateMessageIn{To: target.Address, ToUserID: target.ID, Message: msg})
	return nil
}

// onCallEnded lets the moderator end the call for everybody.
func (h *Hub) onCallEnded(c *Conn, env core.Envelope) error {
	p, err := decode[core.CallEnded](h, env.Data)
	if err != nil {
		return err
	}
	r, self, err := h.member(c, p.RoomID)
	if err != nil {
		return err
	}
	if !self.IsModerator {
		return errNotModerator
	}
	if rec, ok := h.recordOf(r); ok {
		if _, err := h.records.End(rec.GroupID); err == nil {
			metrics.CallRecordsTotal.WithLabelValues("end").Inc()
		} else if !errors.Is(err, store.ErrNotActive) {
			c.logger.Error().Err(err).Str("group_id", string(rec.GroupID)).Msg("end call record")
		}
	}
	h.EndRoom(r.id)
	return nil
}

// disconnect removes c from its room unless a newer connection of the
// same user already took its place.
func (h *Hub) disconnect(c *Conn) {
	id := c.joined()
	if id == "" {
		return
	}
	c.setRoom("")

	h.mu.Lock()
	r, ok := h.rooms[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	user, removed := r.remove(c.addr)
	gone := removed && r.empty()
	if gone {
		delete(h.rooms, id)
		metrics.RelayActiveRooms.Dec()
	}
	h.mu.Unlock()

	if !removed {
		return
	}
	h.limiter.Forget(user)
	c.logger.Info().Str("room_id", string(id)).Msg("left")
	if gone {
		h.logger.Info().Str("room_id", string(id)).Msg("room closed")
		return
	}
	h.publish(r, "", core.EventUserLeft, core.UserRef{UserID: user})
	h.announce(r)
}
