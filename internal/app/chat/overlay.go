// Package chat keeps the group and private chat logs of a session.
// Outgoing messages are appended at once as pending and replaced in
// place when the relay echoes them back with the same client id.
package chat

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Sender interface {
	Send(event core.Event, payload any) error
}

// Directory resolves participants; the registry implements it.
type Directory interface {
	Get(id domain.ParticipantID) (domain.Participant, bool)
	ByAddress(addr domain.ChannelAddress) (domain.Participant, bool)
}

// NewAttachment wraps data with its detected MIME type.
func NewAttachment(name string, data []byte) (*domain.Attachment, error) {
	if len(data) > domain.MaxAttachmentSize {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrAttachmentTooLarge)
	}
	return &domain.Attachment{
		Name: filepath.Base(name),
		Type: mimetype.Detect(data).String(),
		Data: data,
	}, nil
}

// Overlay is confined to the session loop.
type Overlay struct {
	room  domain.RoomID
	local domain.Participant
	out   Sender
	dir   Directory
	now   func() time.Time

	logs      map[domain.Scope][]domain.ChatMessage
	pending   map[string]domain.Scope
	seen      map[string]bool
	onMessage func(domain.ChatMessage)
	logger    zerolog.Logger
}

func New(room domain.RoomID, local domain.Participant, out Sender, dir Directory) *Overlay {
	return &Overlay{
		room:    room,
		local:   local,
		out:     out,
		dir:     dir,
		now:     time.Now,
		logs:    make(map[domain.Scope][]domain.ChatMessage),
		pending: make(map[string]domain.Scope),
		seen:    make(map[string]bool),
		logger: log.With().
			Str("module", "app.chat").
			Str("room_id", string(room)).
			Str("participant_id", string(local.ID)).
			Logger(),
	}
}

// OnMessage is called for every appended or reconciled message.
func (o *Overlay) OnMessage(fn func(domain.ChatMessage)) { o.onMessage = fn }

func (o *Overlay) SendGroup(content string, attachment *domain.Attachment) (domain.ChatMessage, error) {
	msg, err := o.draft(domain.GroupScope(), content, attachment)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	o.append(msg)
	err = o.out.Send(core.EventGroupMessage, core.GroupMessageOut{
		RoomID:   o.room,
		ClientID: msg.CorrelationID,
		Content:  msg.Content,
		File:     msg.Attachment,
	})
	if err != nil {
		o.retract(msg)
		return domain.ChatMessage{}, fmt.Errorf("send group message: %w", err)
	}
	metrics.ChatMessagesTotal.WithLabelValues("group", "out").Inc()
	return msg, nil
}

func (o *Overlay) SendPrivate(to domain.ParticipantID, content string, attachment *domain.Attachment) (domain.ChatMessage, error) {
	peer, ok := o.dir.Get(to)
	if !ok || to == o.local.ID {
		return domain.ChatMessage{}, fmt.Errorf("%s: %w", to, domain.ErrUnknownRecipient)
	}
	msg, err := o.draft(domain.PrivateScope(to), content, attachment)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	o.append(msg)
	err = o.out.Send(core.EventPrivateMessage, core.PrivateMessageOut{
		RoomID:   o.room,
		To:       peer.Address,
		ToUserID: peer.ID,
		ClientID: msg.CorrelationID,
		Content:  msg.Content,
		File:     msg.Attachment,
	})
	if err != nil {
		o.retract(msg)
		return domain.ChatMessage{}, fmt.Errorf("send private message: %w", err)
	}
	metrics.ChatMessagesTotal.WithLabelValues("private", "out").Inc()
	return msg, nil
}

// ReceiveGroup records a group message from the relay, reconciling our
// own pending copy if it is an echo.
func (o *Overlay) ReceiveGroup(p core.ChatPayload) {
	o.receive(domain.GroupScope(), p)
}

// ReceivePrivate records a private message. The log is keyed by the
// other side: the sender for inbound messages, the recipient for echoes.
func (o *Overlay) ReceivePrivate(in core.PrivateMessageIn) error {
	var peer domain.ParticipantID
	switch {
	case in.Message.SenderID == o.local.ID:
		peer = in.ToUserID
		if peer == "" {
			if p, ok := o.dir.ByAddress(in.To); ok {
				peer = p.ID
			}
		}
	default:
		peer = in.Message.SenderID
	}
	if peer == "" {
		return &domain.ProtocolViolation{Event: string(core.EventPrivateMessage), Reason: "cannot resolve conversation"}
	}
	o.receive(domain.PrivateScope(peer), in.Message)
	return nil
}

// History returns a copy of the log of scope, oldest first.
func (o *Overlay) History(scope domain.Scope) []domain.ChatMessage {
	return append([]domain.ChatMessage(nil), o.logs[scope]...)
}

// Conversations lists the participants with a private log.
func (o *Overlay) Conversations() []domain.ParticipantID {
	var out []domain.ParticipantID
	for scope := range o.logs {
		if scope.Kind == domain.ScopePrivate {
			out = append(out, scope.Peer)
		}
	}
	return out
}

func (o *Overlay) draft(scope domain.Scope, content string, attachment *domain.Attachment) (domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" && attachment == nil {
		return domain.ChatMessage{}, domain.ErrEmptyMessage
	}
	if attachment != nil && len(attachment.Data) > domain.MaxAttachmentSize {
		return domain.ChatMessage{}, domain.ErrAttachmentTooLarge
	}
	cid := uuid.NewString()
	return domain.ChatMessage{
		ID:            cid,
		CorrelationID: cid,
		SenderID:      o.local.ID,
		SenderName:    o.local.DisplayName,
		Scope:         scope,
		Content:       content,
		Attachment:    attachment,
		Timestamp:     o.now(),
		Pending:       true,
	}, nil
}

func (o *Overlay) receive(scope domain.Scope, p core.ChatPayload) {
	if o.seen[p.ID] {
		o.logger.Debug().Str("message_id", p.ID).Msg("duplicate message ignored")
		return
	}
	o.seen[p.ID] = true

	msg := domain.ChatMessage{
		ID:            p.ID,
		CorrelationID: p.ClientID,
		SenderID:      p.SenderID,
		SenderName:    p.SenderName,
		Scope:         scope,
		Content:       p.Content,
		Attachment:    p.File,
		Timestamp:     p.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.now()
	}

	if p.SenderID == o.local.ID && p.ClientID != "" {
		if pendingScope, ok := o.pending[p.ClientID]; ok && pendingScope == scope {
			delete(o.pending, p.ClientID)
			log := o.logs[scope]
			for i := range log {
				if log[i].Pending && log[i].CorrelationID == p.ClientID {
					log[i] = msg
					o.logger.Debug().Str("client_id", p.ClientID).Str("scope", scope.String()).Msg("reconciled pending message")
					o.notify(msg)
					return
				}
			}
		}
	}

	metrics.ChatMessagesTotal.WithLabelValues(scopeLabel(scope), "in").Inc()
	o.logs[scope] = append(o.logs[scope], msg)
	o.notify(msg)
}

// Reject drops the pending message the relay refused. It reports false
// when no such message is pending.
func (o *Overlay) Reject(clientID string) (domain.ChatMessage, bool) {
	scope, ok := o.pending[clientID]
	if !ok {
		return domain.ChatMessage{}, false
	}
	for _, m := range o.logs[scope] {
		if m.Pending && m.CorrelationID == clientID {
			o.retract(m)
			o.logger.Debug().Str("client_id", clientID).Str("scope", scope.String()).Msg("pending message refused")
			return m, true
		}
	}
	delete(o.pending, clientID)
	return domain.ChatMessage{}, false
}

func (o *Overlay) append(msg domain.ChatMessage) {
	o.pending[msg.CorrelationID] = msg.Scope
	o.logs[msg.Scope] = append(o.logs[msg.Scope], msg)
	o.notify(msg)
}

func (o *Overlay) retract(msg domain.ChatMessage) {
	delete(o.pending, msg.CorrelationID)
	log := o.logs[msg.Scope]
	for i := range log {
		if log[i].CorrelationID == msg.CorrelationID && log[i].Pending {
			o.logs[msg.Scope] = append(log[:i:i], log[i+1:]...)
			return
		}
	}
}

func (o *Overlay) notify(msg domain.ChatMessage) {
	if o.onMessage != nil {
		o.onMessage(msg)
	}
}

func scopeLabel(s domain.Scope) string {
	if s.Kind == domain.ScopeGroup {
		return "group"
	}
	return "private"
}
