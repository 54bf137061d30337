package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Client pumps frames between one websocket connection and its hub session.
type Client struct {
	conn    *websocket.Conn
	session *realtime.Session
	hub     *realtime.Hub
	log     *slog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

// ReadPump feeds client frames to the hub until the connection fails, then
// disconnects the session. It blocks, so call it from the connection's goroutine.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.hub.Disconnect(ctx, c.session)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("websocket read failed", "conn_id", c.session.ID(), "user_id", c.session.UserID(), "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.hub.Handle(ctx, c.session, data)
	}
}

// WritePump drains the session's outbound queue and keeps the connection alive
// with pings. It returns once the session is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		if n := c.session.Dropped(); n > 0 {
			c.log.Warn("frames dropped for slow client", "conn_id", c.session.ID(), "user_id", c.session.UserID(), "dropped", n)
		}
	}()

	out := c.session.Outbound()
	for {
		select {
		case frame, ok := <-out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Debug("websocket write failed", "conn_id", c.session.ID(), "error", err)
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
