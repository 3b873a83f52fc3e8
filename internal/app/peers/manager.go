// Package peers owns the set of peer links of a session, one per remote
// participant. The manager is confined to the session loop: every method
// must be called from it, and transport callbacks are posted back to it.
package peers

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadySharing     = errors.New("screen share already active")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
)

const (
	defaultNegotiationTimeout = 30 * time.Second
	maxOfferRetries           = 2
)

// Scheduler posts work onto the session loop.
type Scheduler interface {
	Post(fn func()) bool
}

// Signaler delivers a session description to a participant. The
// implementation resolves the participant's current channel address.
type Signaler interface {
	SendSignal(to domain.ParticipantID, desc webrtc.SessionDescription, initiator bool) error
}

// ScreenTrack is a local track whose end can be observed, e.g. when the
// capture is stopped outside the application.
type ScreenTrack interface {
	Local() webrtc.TrackLocal
	OnEnded(fn func())
}

type Config struct {
	LocalID   domain.ParticipantID
	Factory   core.ConnectionFactory
	Scheduler Scheduler
	Signaler  Signaler
	// OnLinkFailed is called on the loop after a failed link was removed.
	OnLinkFailed func(peer domain.ParticipantID, err error)
	// OnRemoteTrack is called on the loop for every inbound track.
	OnRemoteTrack func(peer domain.ParticipantID, track core.RemoteTrack)
	// NegotiationTimeout bounds how long a link may stay negotiating.
	NegotiationTimeout time.Duration
}

// Link is the media transport to one participant.
type Link struct {
	Peer    domain.ParticipantID
	Role    domain.LinkRole
	State   domain.LinkState
	Created time.Time

	conn     core.MediaConnection
	senders  map[webrtc.RTPCodecType]core.Sender
	remote   []core.RemoteTrack
	answered bool
	deadline *time.Timer
}

// LinkInfo is a read-only view of a link.
type LinkInfo struct {
	Peer         domain.ParticipantID `json:"participantId"`
	Role         string               `json:"role"`
	State        string               `json:"state"`
	RemoteTracks int                  `json:"remoteTracks"`
	Since        time.Time            `json:"since"`
}

type screenShare struct {
	camera webrtc.TrackLocal
	done   func()
}

type Manager struct {
	ctx    context.Context
	cfg    Config
	logger zerolog.Logger

	links    map[domain.ParticipantID]*Link
	expect   map[domain.ParticipantID]domain.LinkRole
	retries  map[domain.ParticipantID]int
	outbound map[webrtc.RTPCodecType]webrtc.TrackLocal
	subs     map[domain.ParticipantID]map[uint64]func(core.RemoteTrack)
	nextSub  uint64
	screen   *screenShare
}

var kinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// NewManager binds the manager to ctx, the session's cancellation token:
// once ctx is done, late transport results are dropped.
func NewManager(ctx context.Context, cfg Config) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	return &Manager{
		ctx: ctx,
		cfg: cfg,
		logger: log.With().
			Str("module", "app.peers").
			Str("participant_id", string(cfg.LocalID)).
			Logger(),
		links:    make(map[domain.ParticipantID]*Link),
		expect:   make(map[domain.ParticipantID]domain.LinkRole),
		retries:  make(map[domain.ParticipantID]int),
		outbound: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		subs:     make(map[domain.ParticipantID]map[uint64]func(core.RemoteTrack)),
	}
}

// EnsureLink returns the link to peer, creating it in role if absent.
// An initiator link starts negotiating immediately.
func (m *Manager) EnsureLink(peer domain.ParticipantID, role domain.LinkRole) (*Link, error) {
	if l, ok := m.links[peer]; ok {
		return l, nil
	}
	if err := m.ctx.Err(); err != nil {
		return nil, err
	}
	if peer == m.cfg.LocalID {
		return nil, &domain.ProtocolViolation{Event: string(core.EventSignal), Reason: "link to self"}
	}

	conn, err := m.cfg.Factory.NewConnection(peer)
	if err != nil {
		metrics.NegotiationFailuresTotal.WithLabelValues("create").Inc()
		return nil, &domain.NegotiationError{Participant: peer, Stage: "create", Err: err}
	}

	link := &Link{
		Peer:    peer,
		Role:    role,
		State:   domain.LinkNegotiating,
		Created: time.Now(),
		conn:    conn,
		senders: make(map[webrtc.RTPCodecType]core.Sender, len(kinds)),
	}
	for _, kind := range kinds {
		s, err := conn.AddSender(kind, m.outbound[kind])
		if err != nil {
			_ = conn.Close()
			metrics.NegotiationFailuresTotal.WithLabelValues("add-sender").Inc()
			return nil, &domain.NegotiationError{Participant: peer, Stage: "add-sender", Err: err}
		}
		link.senders[kind] = s
	}
	m.watch(link)
	link.deadline = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.post(link, func() {
			if link.State == domain.LinkNegotiating {
				m.timeout(link)
			}
		})
	})

	m.links[peer] = link
	metrics.PeerLinksCreatedTotal.WithLabelValues(role.String()).Inc()
	metrics.ActivePeerLinks.Set(float64(len(m.links)))
	m.logger.Info().Str("peer", string(peer)).Str("role", role.String()).Msg("peer link created")

	if role == domain.RoleInitiator {
		m.offer(link)
	}
	return link, nil
}

// RemoveLink releases the link's transport, then forgets it.
func (m *Manager) RemoveLink(peer domain.ParticipantID) bool {
	link, ok := m.links[peer]
	if !ok {
		return false
	}
	link.deadline.Stop()
	for kind, s := range link.senders {
		if err := s.Stop(); err != nil {
			m.logger.Debug().Err(err).Str("peer", string(peer)).Str("kind", kind.String()).Msg("sender stop failed")
		}
	}
	if err := link.conn.Close(); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("connection close failed")
	}
	if link.State != domain.LinkFailed {
		link.State = domain.LinkClosed
	}
	delete(m.links, peer)
	metrics.ActivePeerLinks.Set(float64(len(m.links)))
	m.logger.Info().Str("peer", string(peer)).Msg("peer link removed")
	return true
}

// Reconcile converges the links to snapshot: links to absent participants
// are removed and the local side initiates toward everyone listed after
// it. Participants listed before it are expected to offer. A link whose
// role no longer matches a changed join order is rebuilt.
func (m *Manager) Reconcile(snapshot []domain.Participant) {
	present := make(map[domain.ParticipantID]bool, len(snapshot))
	localIdx := -1
	for i, p := range snapshot {
		present[p.ID] = true
		if p.ID == m.cfg.LocalID {
			localIdx = i
		}
	}

	for peer := range m.links {
		if !present[peer] || peer == m.cfg.LocalID {
			m.RemoveLink(peer)
		}
	}

	if localIdx < 0 {
		m.logger.Warn().Int("participants", len(snapshot)).Msg("local participant missing from snapshot")
		m.expect = make(map[domain.ParticipantID]domain.LinkRole)
		return
	}

	expect := make(map[domain.ParticipantID]domain.LinkRole, len(snapshot))
	for i, p := range snapshot {
		switch {
		case i < localIdx:
			expect[p.ID] = domain.RoleResponder
		case i > localIdx:
			expect[p.ID] = domain.RoleInitiator
		}
	}
	// Roles only flip on an order change, so a link settled by an offer
	// collision is left alone.
	for peer, link := range m.links {
		prev, had := m.expect[peer]
		if had && prev != expect[peer] && link.Role != expect[peer] {
			m.logger.Info().Str("peer", string(peer)).Str("role", expect[peer].String()).Msg("join order changed, rebuilding link")
			m.RemoveLink(peer)
			delete(m.retries, peer)
		}
	}
	m.expect = expect
	for _, p := range snapshot[localIdx+1:] {
		if _, ok := m.links[p.ID]; ok {
			continue
		}
		if _, err := m.EnsureLink(p.ID, domain.RoleInitiator); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(p.ID)).Msg("could not create peer link")
		}
	}
}

// HandleSignal applies a remote session description from peer.
func (m *Manager) HandleSignal(peer domain.ParticipantID, desc webrtc.SessionDescription, initiator bool) error {
	if peer == m.cfg.LocalID {
		return &domain.ProtocolViolation{Event: string(core.EventSignal), Reason: "signal from self"}
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if !initiator {
			return &domain.ProtocolViolation{Event: string(core.EventSignal), Reason: "offer from non-initiator"}
		}
		if existing, ok := m.links[peer]; ok {
			// Collision only while our offer is unanswered and the join
			// order does not name the peer as initiator.
			glare := existing.Role == domain.RoleInitiator && !existing.answered &&
				m.expect[peer] != domain.RoleResponder
			if glare && m.cfg.LocalID < peer {
				m.logger.Info().Str("peer", string(peer)).Msg("offer collision, keeping local offer")
				return nil
			}
			m.logger.Info().Str("peer", string(peer)).Str("role", existing.Role.String()).Msg("remote offer replaces link")
			m.RemoveLink(peer)
		}
		link, err := m.EnsureLink(peer, domain.RoleResponder)
		if err != nil {
			return err
		}
		m.answer(link, desc)
		return nil

	case webrtc.SDPTypeAnswer:
		link, ok := m.links[peer]
		if !ok || link.Role != domain.RoleInitiator || link.answered {
			return &domain.ProtocolViolation{Event: string(core.EventSignal), Reason: "answer without pending offer"}
		}
		if err := link.conn.ApplyAnswer(desc); err != nil {
			return m.fail(link, "apply-answer", err)
		}
		link.answered = true
		return nil

	default:
		return &domain.ProtocolViolation{Event: string(core.EventSignal), Reason: "unsupported description type " + desc.Type.String()}
	}
}

// ReplaceOutboundTrack swaps the outbound track of kind on every link
// without renegotiating, and returns the previous track.
func (m *Manager) ReplaceOutboundTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (webrtc.TrackLocal, error) {
	prev := m.outbound[kind]
	if track == nil {
		delete(m.outbound, kind)
	} else {
		m.outbound[kind] = track
	}

	var errs []error
	for peer, link := range m.links {
		s, ok := link.senders[kind]
		if !ok {
			continue
		}
		if err := s.ReplaceTrack(track); err != nil {
			errs = append(errs, &domain.NegotiationError{Participant: peer, Stage: "replace-track", Err: err})
		}
	}
	return prev, errors.Join(errs...)
}

// SetCamera routes track as the camera. While a screen share is active
// the track is only remembered for when sharing stops.
func (m *Manager) SetCamera(track webrtc.TrackLocal) error {
	if m.screen != nil {
		m.screen.camera = track
		return nil
	}
	_, err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeVideo, track)
	return err
}

// ShareScreen sends screen instead of the camera on every link. When the
// screen track ends on its own, the camera is restored and done is called
// on the loop.
func (m *Manager) ShareScreen(screen ScreenTrack, done func()) error {
	if m.screen != nil {
		return ErrAlreadySharing
	}
	prev, err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeVideo, screen.Local())
	share := &screenShare{camera: prev, done: done}
	m.screen = share

	ctx := m.ctx
	screen.OnEnded(func() {
		m.cfg.Scheduler.Post(func() {
			if ctx.Err() != nil || m.screen != share {
				return
			}
			m.logger.Info().Msg("screen track ended, restoring camera")
			if err := m.restoreCamera(); err != nil {
				m.logger.Warn().Err(err).Msg("camera restore incomplete")
			}
			if share.done != nil {
				share.done()
			}
		})
	})
	return err
}

// StopScreenShare restores the camera track. It is a no-op when not sharing.
func (m *Manager) StopScreenShare() error {
	if m.screen == nil {
		return nil
	}
	return m.restoreCamera()
}

func (m *Manager) ScreenSharing() bool { return m.screen != nil }

func (m *Manager) restoreCamera() error {
	share := m.screen
	m.screen = nil
	_, err := m.ReplaceOutboundTrack(webrtc.RTPCodecTypeVideo, share.camera)
	return err
}

// OnRemoteStream delivers every current and future remote track of peer
// to fn, on the loop. The returned cancel must also be called on the loop.
func (m *Manager) OnRemoteStream(peer domain.ParticipantID, fn func(core.RemoteTrack)) (cancel func()) {
	m.nextSub++
	key := m.nextSub
	if m.subs[peer] == nil {
		m.subs[peer] = make(map[uint64]func(core.RemoteTrack))
	}
	m.subs[peer][key] = fn

	if link, ok := m.links[peer]; ok {
		for _, t := range link.remote {
			fn(t)
		}
	}
	return func() {
		delete(m.subs[peer], key)
		if len(m.subs[peer]) == 0 {
			delete(m.subs, peer)
		}
	}
}

func (m *Manager) Has(peer domain.ParticipantID) bool {
	_, ok := m.links[peer]
	return ok
}

func (m *Manager) Len() int { return len(m.links) }

// Links returns a snapshot of all links ordered by participant id.
func (m *Manager) Links() []LinkInfo {
	out := make([]LinkInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, LinkInfo{
			Peer:         l.Peer,
			Role:         l.Role.String(),
			State:        l.State.String(),
			RemoteTracks: len(l.remote),
			Since:        l.Created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Close removes every link and drops all subscriptions.
func (m *Manager) Close() {
	for peer := range m.links {
		m.RemoveLink(peer)
	}
	m.subs = make(map[domain.ParticipantID]map[uint64]func(core.RemoteTrack))
	m.screen = nil
}

func (m *Manager) watch(link *Link) {
	link.conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		m.post(link, func() { m.onState(link, s) })
	})
	link.conn.OnTrack(func(t core.RemoteTrack) {
		m.post(link, func() { m.onTrack(link, t) })
	})
}

// post runs fn on the loop only if the session is alive and link is
// still the current link for its peer.
func (m *Manager) post(link *Link, fn func()) {
	ctx := m.ctx
	m.cfg.Scheduler.Post(func() {
		if ctx.Err() != nil || m.links[link.Peer] != link {
			return
		}
		fn()
	})
}

func (m *Manager) offer(link *Link) {
	m.async(link, "offer", link.conn.CreateOffer, func(desc webrtc.SessionDescription) {
		if err := m.cfg.Signaler.SendSignal(link.Peer, desc, true); err != nil {
			_ = m.fail(link, "send-offer", err)
		}
	})
}

func (m *Manager) answer(link *Link, offer webrtc.SessionDescription) {
	work := func(ctx context.Context) (webrtc.SessionDescription, error) {
		return link.conn.ApplyOffer(ctx, offer)
	}
	m.async(link, "answer", work, func(desc webrtc.SessionDescription) {
		link.answered = true
		if err := m.cfg.Signaler.SendSignal(link.Peer, desc, false); err != nil {
			_ = m.fail(link, "send-answer", err)
		}
	})
}

// async runs a blocking negotiation step off the loop and posts its
// result back.
func (m *Manager) async(
	link *Link,
	stage string,
	work func(context.Context) (webrtc.SessionDescription, error),
	then func(webrtc.SessionDescription),
) {
	ctx := m.ctx
	go func() {
		desc, err := work(ctx)
		m.post(link, func() {
			if err != nil {
				_ = m.fail(link, stage, err)
				return
			}
			then(desc)
		})
	}()
}

func (m *Manager) fail(link *Link, stage string, err error) error {
	nerr := &domain.NegotiationError{Participant: link.Peer, Stage: stage, Err: err}
	metrics.NegotiationFailuresTotal.WithLabelValues(stage).Inc()
	m.logger.Warn().Err(err).Str("peer", string(link.Peer)).Str("stage", stage).Msg("peer link failed")

	link.State = domain.LinkFailed
	m.RemoveLink(link.Peer)
	if m.cfg.OnLinkFailed != nil {
		m.cfg.OnLinkFailed(link.Peer, nerr)
	}
	return nerr
}

// timeout fails a link stuck negotiating. When the join order makes the
// local side the initiator it offers again, a bounded number of times.
func (m *Manager) timeout(link *Link) {
	_ = m.fail(link, "timeout", ErrNegotiationTimeout)
	if m.ctx.Err() != nil || m.expect[link.Peer] != domain.RoleInitiator || m.retries[link.Peer] >= maxOfferRetries {
		return
	}
	m.retries[link.Peer]++
	if _, err := m.EnsureLink(link.Peer, domain.RoleInitiator); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(link.Peer)).Msg("could not restart peer link")
	}
}

func (m *Manager) onState(link *Link, s webrtc.PeerConnectionState) {
	m.logger.Debug().Str("peer", string(link.Peer)).Str("state", s.String()).Msg("peer connection state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		link.State = domain.LinkConnected
		link.deadline.Stop()
		delete(m.retries, link.Peer)
	case webrtc.PeerConnectionStateFailed:
		_ = m.fail(link, "ice", errors.New("peer connection failed"))
	}
}

func (m *Manager) onTrack(link *Link, t core.RemoteTrack) {
	link.remote = append(link.remote, t)
	metrics.RemoteTracksTotal.WithLabelValues(t.Kind().String()).Inc()
	m.logger.Info().Str("peer", string(link.Peer)).Str("kind", t.Kind().String()).Str("track", t.ID()).Msg("remote track")

	if t.Kind() == webrtc.RTPCodecTypeVideo {
		if err := link.conn.RequestKeyframe(t.SSRC()); err != nil {
			m.logger.Debug().Err(err).Str("peer", string(link.Peer)).Msg("keyframe request failed")
		}
	}
	if m.cfg.OnRemoteTrack != nil {
		m.cfg.OnRemoteTrack(link.Peer, t)
	}
	for _, fn := range m.subs[link.Peer] {
		fn(t)
	}
}
