// Package relay is the signaling server: it authenticates websocket
// clients, keeps ordered room membership, routes point-to-point signals
// and chat, enforces moderator privilege and serves call records.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/metrics"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/relay/store"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Secret []byte
	// ModeratorRole in a token grants moderation in every room.
	ModeratorRole string
	ReadLimit     int64
	PingPeriod    time.Duration
	WriteTimeout  time.Duration
	SendQueue     int
	// ChatLimit messages per ChatWindow and user; zero disables it.
	ChatLimit  int
	ChatWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 << 20
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.ChatWindow <= 0 {
		c.ChatWindow = 10 * time.Second
	}
	return c
}

type handlerFunc func(c *Conn, env core.Envelope) error

type Hub struct {
	cfg      Config
	records  *store.Store
	policy   Policy
	limiter  *RateLimiter
	validate *validator.Validate
	upgrader websocket.Upgrader
	handlers map[core.Event]handlerFunc
	now      func() time.Time
	logger   zerolog.Logger

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

// NewHub builds a hub; records may be nil when call records are not served.
func NewHub(cfg Config, records *store.Store) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		records:  records,
		policy:   KickPolicy{},
		limiter:  NewRateLimiter(cfg.ChatLimit, cfg.ChatWindow),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:    time.Now,
		logger: log.With().Str("module", "relay").Logger(),
		rooms:  make(map[domain.RoomID]*room),
	}
	h.handlers = map[core.Event]handlerFunc{
		core.EventJoinRoom:       h.onJoin,
		core.EventSignal:         h.onSignal,
		core.EventToggleVideo:    h.onToggleVideo,
		core.EventToggleAudio:    h.onToggleAudio,
		core.EventScreenSharing:  h.onScreenSharing,
		core.EventMuteUser:       h.onMute,
		core.EventUnmuteUser:     h.onUnmute,
		core.EventGroupMessage:   h.onGroupMessage,
		core.EventPrivateMessage: h.onPrivateMessage,
		core.EventCallEnded:      h.onCallEnded,
	}
	return h
}

// Authenticate verifies the bearer token and stores its claims.
func (h *Hub) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearer(c)
		var claims *Claims
		if err == nil {
			claims, err = ParseToken(h.cfg.Secret, raw)
		}
		if err != nil {
			metrics.RelayAuthFailuresTotal.Inc()
			h.logger.Warn().Err(err).Str("path", c.FullPath()).Msg("rejected credentials")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ServeWS upgrades an authenticated request and starts its pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	claims := ClaimsOf(c)
	if claims == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	addr := domain.ChannelAddress(uuid.NewString())
	conn := &Conn{
		addr:   addr,
		claims: claims,
		ws:     ws,
		send:   make(chan []byte, h.cfg.SendQueue),
		logger: h.logger.With().Str("sid", string(addr)).Str("user", string(claims.UserID)).Logger(),
	}
	metrics.RelayActiveConnections.Inc()
	conn.logger.Info().Msg("new WS connection")

	go h.writePump(conn)
	go func() {
		defer metrics.RelayActiveConnections.Dec()
		h.readPump(conn)
	}()
}

// RoomInfo is the public view of a live room.
type RoomInfo struct {
	ID           domain.RoomID        `json:"id"`
	GroupID      domain.GroupID       `json:"groupId,omitempty"`
	Participants []domain.Participant `json:"participants"`
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, RoomInfo{ID: r.id, GroupID: r.group, Participants: r.participants()})
	}
	return out
}

func (h *Hub) Room(id domain.RoomID) (RoomInfo, bool) {
	r, ok := h.lookup(id)
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{ID: r.id, GroupID: r.group, Participants: r.participants()}, true
}

// EndRoom tells every member that the call is over and forgets the room.
func (h *Hub) EndRoom(id domain.RoomID) bool {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if ok {
		delete(h.rooms, id)
		metrics.RelayActiveRooms.Dec()
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	for _, conn := range r.conns() {
		conn.setRoom("")
	}
	h.publish(r, "", core.EventCallEnded, core.CallEnded{RoomID: r.id, GroupID: r.group})
	h.logger.Info().Str("room_id", string(id)).Msg("call ended")
	return true
}

// getOrCreate must be called with h.mu held.
func (h *Hub) getOrCreate(id domain.RoomID, group domain.GroupID) *room {
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := newRoom(id, group)
	h.rooms[id] = r
	metrics.RelayActiveRooms.Inc()
	h.logger.Info().Str("room_id", string(id)).Str("group_id", string(group)).Msg("room created")
	return r
}

func (h *Hub) lookup(id domain.RoomID) (*room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// publish fans one event out and applies the backpressure policy to
// members that could not take it.
func (h *Hub) publish(r *room, from domain.ChannelAddress, event core.Event, payload any) {
	data, err := frame(event, payload, 0)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(event)).Msg("encode failed")
		return
	}
	res := r.broadcast(from, data)
	for _, conn := range res.Dropped {
		h.backpressure(r.id, conn)
	}
}

func (h *Hub) deliver(r *room, to *Conn, event core.Event, payload any) {
	if err := to.emit(event, payload); err != nil {
		h.backpressure(r.id, to)
	}
}

func (h *Hub) backpressure(room domain.RoomID, conn *Conn) {
	metrics.RelayDroppedTotal.Inc()
	switch h.policy.OnBackPressure(room, conn) {
	case KickMember:
		conn.logger.Warn().Str("room_id", string(room)).Msg("slow consumer kicked")
		conn.Close()
	case DropFrame, NoAction:
	}
}

// announce sends the full ordered participant list to everybody.
func (h *Hub) announce(r *room) {
	h.publish(r, "", core.EventParticipantsUpdated, core.ParticipantsUpdated{Participants: r.participants()})
}

func (h *Hub) ServesRecords() bool { return h.records != nil }
