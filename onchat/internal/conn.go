package internal

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrBinaryFrame is returned by ReadText for non-text frames; the connection stays usable.
var ErrBinaryFrame = errors.New("unexpected binary frame")

// Conn is a websocket.Conn with per-call read and write deadlines.
type Conn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// ReadText returns the next text frame undecoded, so a malformed frame costs
// the caller one message rather than the connection.
func (c *Conn) ReadText(ctx context.Context) ([]byte, error) {
	ctx, cancel := bounded(ctx, c.readTimeout)
	defer cancel()
	typ, data, err := c.ws.Read(ctx)
	switch {
	case err != nil:
		return nil, err
	case typ != websocket.MessageText:
		return data, ErrBinaryFrame
	}
	return data, nil
}

// Write sends v as one JSON text frame.
func (c *Conn) Write(ctx context.Context, v any) error {
	ctx, cancel := bounded(ctx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// bounded applies d to ctx; zero means no deadline.
func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
