/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections: handshake authentication, upgrade,
 *    and per-session read/write loops.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/server/auth"
	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = idleSessionTimeout

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

func (s *Session) closeWS() {
	if s.ws != nil {
		s.ws.Close()
	}
}

func (s *Session) readLoop(maxMessageSize int64) {
	defer func() {
		s.closeWS()
		s.cleanUp()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", s.sid, err)
			}
			return
		}
		incomingMessages.Inc()
		s.dispatchRaw(raw)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		s.closeWS()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := wsWrite(s.ws, websocket.TextMessage, data); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop", s.sid, err)
				}
				return
			}

		case data := <-s.stop:
			// Shutdown requested; don't care if the final frame is delivered.
			if data != nil {
				wsWrite(s.ws, websocket.TextMessage, data)
			}
			wsWrite(s.ws, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			if err := wsWrite(s.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", s.sid, err)
				}
				return
			}
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler upgrades and serves websocket requests from clients.
type wsHandler struct {
	hub            *Hub
	store          *SessionStore
	auth           *auth.Validator
	maxMessageSize int64
}

func (wh wsHandler) ServeHTTP(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		logs.Err.Println("ws: invalid HTTP method", req.Method)
		return
	}

	// An invalid or expired credential closes the connection immediately: the
	// client must not retry the handshake with the same token.
	uid, err := wh.auth.Authenticate(getBearerToken(req))
	if err != nil {
		http.Error(wrt, "invalid auth token", http.StatusUnauthorized)
		logs.Err.Println("ws: missing, invalid or expired auth token:", err)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to upgrade", err)
		return
	}

	sess, count := wh.store.NewSession(ws, uid, wh.hub)
	sess.remoteAddr = req.RemoteAddr

	logs.Info.Println("ws: session started", sess.sid, sess.uid, sess.remoteAddr, count)

	sess.queueOut(wire.EventHello(uid, sess.sid))

	// Do work in goroutines to return from ServeHTTP and release the handler.
	go sess.writeLoop()
	go sess.readLoop(wh.maxMessageSize)
}

// getBearerToken extracts the handshake credential: either a 'token' form
// value or an Authorization: Bearer header.
func getBearerToken(req *http.Request) string {
	if token := req.FormValue("token"); token != "" {
		return token
	}
	h := req.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
