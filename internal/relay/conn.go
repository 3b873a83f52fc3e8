package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/core"
	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is one authenticated websocket. Its address changes on every
// reconnect; the user id does not.
type Conn struct {
	addr   domain.ChannelAddress
	claims *Claims
	ws     *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	room   domain.RoomID
}

func (c *Conn) Address() domain.ChannelAddress { return c.addr }

func (c *Conn) User() domain.ParticipantID { return c.claims.UserID }

func (c *Conn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

func (c *Conn) joined() domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Conn) setRoom(room domain.RoomID) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *Conn) emit(event core.Event, payload any) error {
	data, err := frame(event, payload, 0)
	if err != nil {
		return err
	}
	return c.TrySend(data)
}

func (c *Conn) fail(event core.Event, msg, clientID string) {
	if err := c.emit(core.EventError, core.ErrorPayload{Event: event, Message: msg, ClientID: clientID}); err != nil {
		c.logger.Debug().Err(err).Msg("error reply dropped")
	}
}

func frame(event core.Event, payload any, ack uint64) ([]byte, error) {
	env := core.Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (h *Hub) readPump(c *Conn) {
	defer func() {
		c.logger.Info().Msg("readPump closing")
		h.disconnect(c)
		c.Close()
	}()

	pongWait := 2 * h.cfg.PingPeriod
	c.ws.SetReadLimit(h.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handle(c, data)
	}
}
