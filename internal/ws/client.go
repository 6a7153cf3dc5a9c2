package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coscribe/backend/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBufferSize    = 512
)

var errSendUnavailable = errors.New("ws: connection send unavailable")

// Client wraps one websocket connection. It satisfies the room transport
// interface; a full send buffer or a closed connection makes Send fail,
// which the registry treats as a leave.
type Client struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	limiter  *ratelimit.Limiter
	clientID string

	mu     sync.Mutex
	userID string
	closed bool
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.mu.Lock()
	if c.userID == "" {
		c.userID = id
	}
	c.mu.Unlock()
}

// Send queues data for delivery. It never blocks: slow consumers fail fast
// and are disconnected instead of stalling the whole room.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSendUnavailable
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendUnavailable
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("websocket read error", "client_id", c.clientID, "error", err)
			}
			break
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.server.log.Warn("rate limit exceeded", "client_id", c.clientID, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				c.server.log.Warn("disconnecting client for rate limit violations", "client_id", c.clientID)
				return
			}
			continue
		}

		c.server.dispatch(c, message)
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
		}
	}
}
