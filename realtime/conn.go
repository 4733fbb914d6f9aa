package realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// ErrAuthRejected means the server refused the handshake credential. The
// client clears the credential and never retries with it. Match with
// errors.Is.
var ErrAuthRejected = &Error{Code: CodeAuthRejected, Message: "credential rejected by server"}

// transport is the minimal connection surface the client needs. Tests swap
// in an in-memory implementation.
type transport interface {
	read(ctx context.Context) ([]byte, error)
	write(ctx context.Context, data []byte) error
	close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url, token string) (transport, error)

type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c wsConn) write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// dialWebsocket is the production dialer: a websocket handshake carrying the
// bearer credential.
func dialWebsocket(ctx context.Context, url, token string) (transport, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, wrapError(CodeAuthRejected, fmt.Sprintf("handshake status %d", resp.StatusCode), err)
		}
		return nil, wrapError(CodeTransport, "dial failed", err)
	}
	return wsConn{ws: ws}, nil
}
