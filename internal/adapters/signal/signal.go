// Package signal is the client side of the relay channel: one websocket
// carrying JSON envelopes, re-dialled with bounded backoff when it drops.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrNotConnected  = errors.New("channel not connected")
	ErrChannelClosed = errors.New("channel closed")
)

type Config struct {
	URL          string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	SendQueue    int
	Dialer       *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 20 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// wsConn is one dialled websocket with its outbound queue.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Channel implements core.SignalChannel. Handlers must not call
// Disconnect synchronously.
type Channel struct {
	cfg      Config
	validate *validator.Validate
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	handlers map[core.Event]core.Handler
	onState  func(core.ConnState, error)

	mu        sync.Mutex
	creds     core.Credentials
	conn      *wsConn
	connected bool
	closed    bool
	acks      map[uint64]chan ackResult
	nextAck   atomic.Uint64

	dispatchMu sync.Mutex
}

func NewChannel(cfg Config) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg.withDefaults(),
		validate: validator.New(),
		logger:   log.With().Str("module", "signal").Str("url", cfg.URL).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[core.Event]core.Handler),
		acks:     make(map[uint64]chan ackResult),
	}
}

func (c *Channel) On(event core.Event, h core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *Channel) OnState(fn func(core.ConnState, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Channel) Connect(ctx context.Context, creds core.Credentials) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrChannelClosed
	case c.connected:
		c.mu.Unlock()
		return nil
	}
	c.creds = creds
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return ErrChannelClosed
	}
	c.connected = true
	c.start(conn)
	c.logger.Info().Msg("signaling connected")
	return nil
}

func (c *Channel) Send(event core.Event, payload any) error {
	b, err := c.encode(event, payload, 0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &domain.NetworkError{Op: "send " + string(event), Err: ErrNotConnected}
	}
	if err := conn.TrySend(b); err != nil {
		if errors.Is(err, ErrBackpressure) {
			return err
		}
		return &domain.NetworkError{Op: "send " + string(event), Err: err}
	}
	metrics.SignalingMessagesTotal.WithLabelValues(string(event), "out").Inc()
	return nil
}

func (c *Channel) Request(ctx context.Context, event core.Event, payload any) (json.RawMessage, error) {
	id := c.nextAck.Add(1)
	b, err := c.encode(event, payload, id)
	if err != nil {
		return nil, err
	}
	reply := make(chan ackResult, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, &domain.NetworkError{Op: "request " + string(event), Err: ErrNotConnected}
	}
	c.acks[id] = reply
	c.mu.Unlock()

	if err := conn.TrySend(b); err != nil {
		c.dropAck(id)
		if errors.Is(err, ErrBackpressure) {
			return nil, err
		}
		return nil, &domain.NetworkError{Op: "request " + string(event), Err: err}
	}
	metrics.SignalingMessagesTotal.WithLabelValues(string(event), "out").Inc()

	select {
	case r := <-reply:
		return r.data, r.err
	case <-ctx.Done():
		c.dropAck(id)
		return nil, fmt.Errorf("request %s: %w", event, ctx.Err())
	}
}

func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.takeAcks()
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	failAcks(pending, ErrChannelClosed)

	// waits for an in-flight handler
	c.dispatchMu.Lock()
	c.logger.Info().Msg("signaling disconnected")
	c.dispatchMu.Unlock()
}

func (c *Channel) encode(event core.Event, payload any, ack uint64) ([]byte, error) {
	env := core.Envelope{Event: event, Ack: ack}
	if payload != nil {
		if err := c.check(payload); err != nil {
			return nil, fmt.Errorf("%s payload: %w", event, err)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// check validates struct payloads; other values pass through.
func (c *Channel) check(payload any) error {
	err := c.validate.Struct(payload)
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}

func (c *Channel) dial(ctx context.Context) (*wsConn, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, &domain.AuthError{Err: err}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthError{Status: resp.StatusCode}
		}
		return nil, err
	}
	return &wsConn{conn: ws, send: make(chan []byte, c.cfg.SendQueue)}, nil
}

// dialWithRetry refreshes the credential once on an auth failure and
// retries transport failures with doubling delays up to MaxDelay.
func (c *Channel) dialWithRetry(ctx context.Context) (*wsConn, error) {
	delay := c.cfg.InitialDelay
	refreshed := false
	attempt := 0
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}

		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			if refreshed || authErr.Status == 0 {
				c.logger.Error().Err(err).Msg("signaling credential rejected")
				return nil, err
			}
			refreshed = true
			attempt--
			c.logger.Info().Int("status", authErr.Status).Msg("credential rejected, refreshing")
			if _, rerr := c.creds.Refresh(ctx); rerr != nil {
				return nil, &domain.AuthError{Status: authErr.Status, Err: rerr}
			}
			continue
		}

		if ctx.Err() != nil {
			return nil, &domain.NetworkError{Op: "connect", Attempts: attempt, Err: ctx.Err()}
		}
		if attempt >= c.cfg.MaxAttempts {
			c.logger.Error().Err(err).Int("attempts", attempt).Msg("signaling unreachable")
			return nil, &domain.NetworkError{Op: "connect", Attempts: attempt, Err: err}
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &domain.NetworkError{Op: "connect", Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
		delay = min(delay*2, c.cfg.MaxDelay)
	}
}

// start must be called with c.mu held.
func (c *Channel) start(conn *wsConn) {
	c.conn = conn
	go c.writePump(conn)
	go c.readPump(conn)
}

// lost handles a transport failure of conn: pending requests fail and
// the channel re-dials in the background.
func (c *Channel) lost(conn *wsConn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	pending := c.takeAcks()
	c.mu.Unlock()

	conn.Close()
	failAcks(pending, &domain.NetworkError{Op: "request", Err: err})
	metrics.SignalingReconnectsTotal.Inc()
	c.logger.Warn().Err(err).Msg("signaling lost, reconnecting")
	c.notify(core.ConnReconnecting, err)
	go c.reconnect()
}

func (c *Channel) reconnect() {
	next, err := c.dialWithRetry(c.ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if next != nil {
			next.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.notify(core.ConnClosed, err)
		return
	}
	c.start(next)
	c.mu.Unlock()

	c.logger.Info().Msg("signaling reconnected")
	c.notify(core.ConnConnected, nil)
}

func (c *Channel) notify(state core.ConnState, err error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	fn, closed := c.onState, c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(state, err)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Err(err).Msg("bad json")
		metrics.ProtocolViolationsTotal.WithLabelValues("envelope").Inc()
		return
	}
	metrics.SignalingMessagesTotal.WithLabelValues(string(env.Event), "in").Inc()

	if env.Event == core.EventAck {
		c.mu.Lock()
		reply, ok := c.acks[env.Ack]
		delete(c.acks, env.Ack)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Uint64("ack", env.Ack).Msg("late ack dropped")
			return
		}
		reply <- ackResult{data: env.Data}
		return
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	h, closed := c.handlers[env.Event], c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if h == nil {
		c.logger.Debug().Str("event", string(env.Event)).Msg("unhandled event")
		return
	}
	h(env.Data)
}

func (c *Channel) dropAck(id uint64) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

// takeAcks must be called with c.mu held.
func (c *Channel) takeAcks() map[uint64]chan ackResult {
	pending := c.acks
	c.acks = make(map[uint64]chan ackResult)
	return pending
}

func failAcks(pending map[uint64]chan ackResult, err error) {
	for _, reply := range pending {
		reply <- ackResult{err: err}
	}
}
