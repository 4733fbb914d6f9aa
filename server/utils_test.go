package main

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

func TestMain(m *testing.M) {
	logs.Init()
	os.Exit(m.Run())
}

// newTestSession builds a session without a websocket. queueSize of 0 uses
// the production queue capacity.
func newTestSession(uid, sid string, hub *Hub, store *SessionStore, queueSize int) *Session {
	if queueSize == 0 {
		queueSize = sendQueueLimit
	}
	return &Session{
		uid:   uid,
		sid:   sid,
		send:  make(chan []byte, queueSize),
		stop:  make(chan []byte, 1),
		subs:  make(map[wire.Topic]*Subscription),
		hub:   hub,
		store: store,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	for i := 0; i < 200; i++ {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// recvEvent reads one frame off the session's outbound queue.
func recvEvent(t *testing.T, s *Session) *wire.Event {
	t.Helper()
	select {
	case data := <-s.send:
		var evt wire.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("recvEvent: bad frame %q: %v", data, err)
		}
		return &evt
	case <-time.After(2 * time.Second):
		t.Fatal("recvEvent: no frame within deadline")
		return nil
	}
}

// expectNoEvent asserts the session's outbound queue stays empty briefly.
func expectNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.send:
		t.Fatalf("expected no frame, got %q", data)
	case <-time.After(100 * time.Millisecond):
	}
}
