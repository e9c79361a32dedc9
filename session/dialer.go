package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established bidirectional frame channel. Implementations must
// allow ReadMessage concurrent with WriteMessage; neither needs to tolerate
// concurrent calls to itself.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens the channel to a document endpoint. Tests swap in a fake;
// production uses WebsocketDialer.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials ws:// and wss:// endpoints. The read deadline is
// refreshed before every read, so any inbound traffic, pongs included,
// keeps the connection alive.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	wd := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = defaultHandshakeTimeout
	}
	conn, resp, err := wd.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	c := &wsConn{conn: conn, readTimeout: d.ReadTimeout, writeTimeout: d.WriteTimeout}
	if c.readTimeout == 0 {
		c.readTimeout = defaultReadTimeout
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
