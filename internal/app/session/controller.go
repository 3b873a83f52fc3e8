// Package session composes registry, peer links, media controls and chat
// into one call session with a single lifecycle:
// Initializing, Joining, Active, then Ending and Ended, or Failed.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/chat"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/control"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/eventloop"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/peers"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/app/registry"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/media"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSessionEnded = errors.New("session ended")

// MediaSource is the local capture side owned by the session.
type MediaSource interface {
	control.MediaSource
	AcquireUserMedia(ctx context.Context) (audio, video *media.Track, err error)
	ReleaseAll()
}

// Calls is the call-record service.
type Calls interface {
	CallStatus(ctx context.Context, group domain.GroupID) (domain.CallStatus, error)
	CreateCall(ctx context.Context, group domain.GroupID) (domain.RoomID, error)
	EndCall(ctx context.Context, group domain.GroupID) error
}

type Config struct {
	RoomID      domain.RoomID
	GroupID     domain.GroupID
	Local       domain.Participant
	JoinTimeout time.Duration
	EventBuffer int
}

type Deps struct {
	Channel     core.SignalChannel
	Credentials core.Credentials
	Factory     core.ConnectionFactory
	Media       MediaSource
	// Calls is optional; End also closes the call record when set.
	Calls Calls
}

// Controller owns one session. Its exported methods are safe from any
// goroutine except the session's own callbacks.
type Controller struct {
	cfg      Config
	channel  core.SignalChannel
	creds    core.Credentials
	media    MediaSource
	calls    Calls
	validate *validator.Validate
	logger   zerolog.Logger

	// ctx is the cancellation token of the session.
	ctx    context.Context
	cancel context.CancelFunc
	loop   *eventloop.Loop

	// loop-confined
	registry *registry.Registry
	peers    *peers.Manager
	control  *control.Plane
	chat     *chat.Overlay

	mu    sync.Mutex
	state domain.SessionState
	flags domain.MediaFlags
	err   error

	events       chan Event
	teardownOnce sync.Once
	ended        chan struct{}
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.RoomID == "" {
		return nil, domain.ErrRoomIDEmpty
	}
	local, err := domain.NewParticipant(cfg.Local.ID, cfg.Local.DisplayName)
	if err != nil {
		return nil, err
	}
	cfg.Local = local
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		channel:  deps.Channel,
		creds:    deps.Credentials,
		media:    deps.Media,
		calls:    deps.Calls,
		validate: validator.New(),
		logger: log.With().
			Str("module", "app.session").
			Str("room_id", string(cfg.RoomID)).
			Str("participant_id", string(local.ID)).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		loop:     eventloop.New("session-" + string(local.ID)),
		registry: registry.New(),
		events:   make(chan Event, cfg.EventBuffer),
		ended:    make(chan struct{}),
	}

	c.peers = peers.NewManager(ctx, peers.Config{
		LocalID:   local.ID,
		Factory:   deps.Factory,
		Scheduler: c.loop,
		Signaler:  signaler{c},
		OnLinkFailed: func(peer domain.ParticipantID, err error) {
			c.emit(Event{Kind: EventNotice, Peer: peer, Err: err, Message: "connection to " + string(peer) + " failed"})
		},
		OnRemoteTrack: func(peer domain.ParticipantID, track core.RemoteTrack) {
			c.emit(Event{Kind: EventRemoteTrack, Peer: peer, Track: track})
		},
	})
	c.control = control.New(cfg.RoomID, local.ID, deps.Media, c.peers, deps.Channel)
	c.control.OnFlags(func(f domain.MediaFlags) {
		c.mu.Lock()
		c.flags = f
		c.mu.Unlock()
		c.emit(Event{Kind: EventFlagsChanged, Flags: f})
	})
	c.chat = chat.New(cfg.RoomID, local, deps.Channel, c.registry)
	c.chat.OnMessage(func(m domain.ChatMessage) {
		c.emit(Event{Kind: EventChatReceived, Chat: &m})
	})
	c.registry.OnChange(func(registry.Change) {
		c.peers.Reconcile(c.registry.All())
		c.emit(Event{Kind: EventParticipantsChanged, Participants: c.registry.All()})
	})

	go c.loop.Run(context.Background())
	return c, nil
}

// Start acquires media, connects and joins the room. It returns once the
// session is Active, or with the error that moved it to Failed.
func (c *Controller) Start(ctx context.Context) error {
	audio, video, err := c.media.AcquireUserMedia(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("joining with partial media")
		c.emit(Event{Kind: EventNotice, Err: err, Message: "camera or microphone unavailable"})
	}
	// Teardown cancels before releasing media, so tracks acquired after a
	// concurrent Leave are ours to release.
	if !c.alive() {
		c.media.ReleaseAll()
		return ErrSessionEnded
	}
	if err := c.loop.Do(ctx, func() { c.control.Attach(audio, video) }); err != nil {
		if errors.Is(err, eventloop.ErrClosed) || !c.alive() {
			c.media.ReleaseAll()
			return ErrSessionEnded
		}
		return c.fail(err)
	}

	if !c.transition(domain.StateJoining) {
		return ErrSessionEnded
	}
	c.registerHandlers()
	if err := c.channel.Connect(ctx, c.creds); err != nil {
		return c.fail(err)
	}
	if err := c.join(ctx); err != nil {
		return c.fail(err)
	}
	if !c.transition(domain.StateActive) {
		return ErrSessionEnded
	}
	return nil
}

// Leave ends the session locally. It is idempotent and safe to race with
// a remote call end.
func (c *Controller) Leave() {
	c.transition(domain.StateEnding)
	c.teardown()
	c.transition(domain.StateEnded)
}

// End ends the call for everybody; the relay accepts it from a moderator
// only. The local session is left either way.
func (c *Controller) End(ctx context.Context) error {
	var errs []error
	if c.alive() {
		errs = append(errs, c.channel.Send(core.EventCallEnded, core.CallEnded{RoomID: c.cfg.RoomID, GroupID: c.cfg.GroupID}))
		if c.calls != nil && c.cfg.GroupID != "" {
			errs = append(errs, c.calls.EndCall(ctx, c.cfg.GroupID))
		}
	}
	c.Leave()
	return errors.Join(errs...)
}

// Done is closed once teardown has completed.
func (c *Controller) Done() <-chan struct{} { return c.ended }

// Events never closes; watch Done for the end of the session.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that moved the session to Failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) alive() bool { return c.ctx.Err() == nil }

func (c *Controller) transition(next domain.SessionState) bool {
	c.mu.Lock()
	prev := c.state
	if !prev.CanTransition(next) {
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.mu.Unlock()

	metrics.SessionTransitionsTotal.WithLabelValues(next.String()).Inc()
	c.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
	c.emit(Event{Kind: EventStateChanged, State: next})
	return true
}

// fail records err, moves to Failed and tears down. Failures after the
// session started ending are only logged.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	if c.state == domain.StateEnding || !c.state.CanTransition(domain.StateFailed) {
		c.mu.Unlock()
		c.logger.Debug().Err(err).Msg("failure after session end ignored")
		return err
	}
	c.err = err
	c.mu.Unlock()

	if c.transition(domain.StateFailed) {
		c.logger.Error().Err(err).Msg("session failed")
		c.emit(Event{Kind: EventFatal, Err: err, Message: err.Error()})
	}
	c.teardown()
	return err
}

// teardown releases everything exactly once: links and registry on the
// loop, then local tracks, then the channel, then the loop itself.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.cancel()

		release := func() {
			c.peers.Close()
			c.registry.Clear()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.loop.Do(ctx, release)
		cancel()
		if err != nil {
			c.loop.Close()
			<-c.loop.Done()
			release()
		}

		c.media.ReleaseAll()
		c.channel.Disconnect()
		c.loop.Close()
		close(c.ended)
		c.logger.Info().Msg("session torn down")
	})
	<-c.ended
}

// emit never blocks; a slow consumer loses events.
func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Debug().Str("kind", e.Kind.String()).Msg("event dropped")
	}
}
