package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dispatchd/dispatchd/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one connected dashboard websocket. Traffic is almost
// entirely server-to-client; the only inbound message a client is
// expected to send is a keepalive ping.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	ID string

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(conn *websocket.Conn, hub *Hub, id string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 64),
		ID:     id,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close releases the client's resources. Safe to call more than once.
func (c *Client) Close() {
	c.cancel()
	c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				logging.Errorf("realtime: client %s read error: %v", c.ID, err)
			}
			return
		}
		// Dashboard clients don't send commands; any frame they write is
		// treated as a liveness signal and otherwise ignored.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
