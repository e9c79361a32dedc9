package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// client is one websocket participant. The room talks to it only through
// the buffered send channel and shut; the pumps own the conn.
type client struct {
	room     *Room
	conn     *websocket.Conn
	site     string
	username string

	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newClient(conn *websocket.Conn, site, username string) *client {
	return &client{
		conn:     conn,
		site:     site,
		username: username,
		send:     make(chan []byte, sendBuffer),
		closed:   make(chan struct{}),
	}
}

// trySend queues a frame without blocking. False means the buffer is full
// and the room will drop this client.
func (c *client) trySend(data []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) shut() {
	c.once.Do(func() { close(c.closed) })
}

func (c *client) readPump() {
	defer func() {
		c.room.leave(c)
		c.shut()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.room.frames <- inbound{c: c, data: data}:
		case <-c.room.done:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
