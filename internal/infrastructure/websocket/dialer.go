// Package websocket adapts gorilla/websocket connections to the stream listener interfaces
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketfeed/internal/core"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Dialer opens gorilla websocket connections
type Dialer struct {
	dialer *websocket.Dialer
	// idleTimeout closes a connection that receives neither data nor pings for this long
	idleTimeout time.Duration
}

// NewDialer creates a dialer. A zero idleTimeout disables the read deadline.
func NewDialer(handshakeTimeout, idleTimeout time.Duration) *Dialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = handshakeTimeout
	return &Dialer{
		dialer:      &d,
		idleTimeout: idleTimeout,
	}
}

// Dial implements core.StreamDialer
func (d *Dialer) Dial(ctx context.Context, url string) (core.StreamConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{conn: conn, idleTimeout: d.idleTimeout}
	conn.SetPingHandler(c.handlePing)
	return c, nil
}

// Conn wraps a gorilla connection with an idle read deadline and a clean close
type Conn struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

func (c *Conn) extendDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func (c *Conn) handlePing(data string) error {
	c.extendDeadline()
	err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// ReadMessage reads the next data frame
func (c *Conn) ReadMessage() (int, []byte, error) {
	c.extendDeadline()
	return c.conn.ReadMessage()
}

// Close sends a normal close frame and closes the socket, unblocking any pending read
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
