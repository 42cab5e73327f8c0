package api

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cloudrelay/internal/server/relay"
)

const (
	writeWait = 10 * time.Second
	// closeReasonLimit keeps close frames under the 125 byte control limit.
	closeReasonLimit = 120
)

// wsConn adapts a WebSocket to relay.Conn. gorilla/websocket allows one
// concurrent reader and one concurrent writer, so writes are serialized.
type wsConn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

var _ relay.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, maxMessage int64) *wsConn {
	ws.SetReadLimit(maxMessage)
	return &wsConn{ws: ws}
}

// ReadChunk returns the next binary message. Text messages are ignored. A
// normal close from the client is reported as io.EOF.
func (c *wsConn) ReadChunk(ctx context.Context) ([]byte, error) {
	// Unblock the read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Send(f relay.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

// Close sends a normal closure with reason and closes the socket. Calling it
// again is a no-op.
func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if len(reason) > closeReasonLimit {
		reason = reason[:closeReasonLimit]
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}
