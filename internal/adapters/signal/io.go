package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

func (c *Channel) writePump(conn *wsConn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-conn.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.lost(conn, err)
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.lost(conn, err)
				return
			}
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.lost(conn, err)
				return
			}
		}
	}
}

func (c *Channel) readPump(conn *wsConn) {
	pongWait := 2 * c.cfg.PingPeriod
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}
