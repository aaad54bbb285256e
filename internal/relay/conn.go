package relay

import (
	"context"
	"errors"
	"io"

	"github.com/coder/websocket"
)

// Conn is one client transport. Read blocks for the next inbound message and
// Write sends one text message. Both must honour ctx.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, data []byte) error
}

// wsConn adapts a websocket connection; outbound messages are always text.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.conn.Read(ctx)
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// closedByPeer reports whether err is a clean hang-up rather than a failure.
func closedByPeer(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
