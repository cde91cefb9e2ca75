package collab

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
)

// Conn is the minimal transport surface the client needs. It matches the
// WebSocket model (framed reads/writes, status-coded close) so the hosting
// application can supply its own implementation.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer establishes a Conn to a collaboration session endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with coder/websocket negotiating the collab.v1
// subprotocol.
type WebSocketDialer struct {
	// HTTPClient optionally overrides the client used for the upgrade
	// request.
	HTTPClient *http.Client

	// Header is sent with the upgrade request (e.g. auth headers owned by
	// the hosting application).
	Header http.Header
}

// Dial establishes the websocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	}
	if d != nil {
		opts.HTTPClient = d.HTTPClient
		opts.HTTPHeader = d.Header
	}

	c, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose // resp body is managed by the websocket library
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}
