package gateway

import (
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/logging"
	"github.com/gorilla/websocket"
)

// Client wraps one connected WebSocket peer. The hub only ever writes to
// send; ReadPump and WritePump run on their own goroutines per the
// gorilla/websocket convention that a connection has at most one reader
// and one writer goroutine at a time.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewClient wraps conn and registers it with hub. Callers must invoke
// both ReadPump and WritePump (typically in their own goroutines) after
// construction.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{hub: hub, conn: conn, send: make(chan []byte, 64)}
	hub.Register(c)
	return c
}

// ReadPump discards inbound client frames (this gateway is output-only)
// but must still run to process control frames (pong, close) and detect
// disconnects, per the gorilla/websocket read-loop requirement.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// WritePump drains send to the connection and sends periodic pings,
// closing the connection if either a write fails or the hub closes send.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
