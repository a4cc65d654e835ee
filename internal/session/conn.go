package session

import (
	"context"
	"unicode/utf8"

	"nhooyr.io/websocket"
)

const (
	CloseNormal      = 1000
	CloseServerError = 1011
	CloseClientError = 4400

	maxCloseReasonBytes = 123
)

// Conn is the duplex channel a session runs over. Read returns an error once
// the peer has gone away.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type websocketConn struct {
	conn *websocket.Conn
}

func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &websocketConn{conn: conn}
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), truncateReason(reason))
}

// truncateReason fits a close reason into a control frame.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
