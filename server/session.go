/******************************************************************************
 *
 *  Description :
 *
 *  Handling of live client connections. One user may have multiple
 *  connections open. Each connection may subscribe to multiple topics.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

// Session represents a single live websocket connection. It is created on
// successful handshake and destroyed on close or error; the session store
// owns it exclusively for its lifetime.
type Session struct {
	// Websocket connection. Nil for sessions created directly in tests.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// ID of the authenticated user.
	uid string

	// Session ID.
	sid string

	// Time when the session last received a frame from the client.
	lastAction time.Time

	// Outbound frames, serialized, buffered. The write loop drains it.
	send chan []byte

	// Channel for shutting down the session, buffer 1.
	// An optional final frame to write before closing.
	stop chan []byte

	// Topic subscriptions, indexed by topic key.
	// Don't access directly. Use getters/setters: both topic goroutines
	// and the network goroutines touch the map concurrently.
	subs     map[wire.Topic]*Subscription
	subsLock sync.RWMutex

	hub   *Hub
	store *SessionStore
}

// Subscription is the session's handle on one attached topic.
type Subscription struct {
	// Copy of Topic.unreg: the session signals the topic here when it
	// detaches or disconnects.
	done chan<- *sessionLeave
}

func (s *Session) addSub(topic wire.Topic, sub *Subscription) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	if _, ok := s.subs[topic]; !ok {
		s.subs[topic] = sub
	}
}

func (s *Session) getSub(topic wire.Topic) *Subscription {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	return s.subs[topic]
}

func (s *Session) delSub(topic wire.Topic) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	delete(s.subs, topic)
}

func (s *Session) subCount() int {
	s.subsLock.RLock()
	defer s.subsLock.RUnlock()

	return len(s.subs)
}

// unsubAll detaches the session from every subscribed topic. The subs are
// copied first: topic goroutines call delSub while processing the leave.
func (s *Session) unsubAll() {
	s.subsLock.RLock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsLock.RUnlock()

	for _, sub := range subs {
		// sub.done is the same as topic.unreg
		sub.done <- &sessionLeave{sess: s}
	}
}

// queueOut serializes an event and enqueues it on the session's outbound
// queue. The queue is bounded: a session that cannot keep up is evicted
// rather than allowed to stall delivery to other subscribers.
func (s *Session) queueOut(evt *wire.Event) bool {
	if s == nil {
		return true
	}

	data, err := json.Marshal(evt)
	if err != nil {
		logs.Err.Println("s.queueOut: failed to serialize", s.sid, err)
		return true
	}
	return s.queueOutBytes(data)
}

// queueOutBytes enqueues an already serialized frame. Never blocks: on
// overflow the frame is dropped and the session is told to stop.
func (s *Session) queueOutBytes(data []byte) bool {
	if s == nil {
		return true
	}

	select {
	case s.send <- data:
		outgoingMessages.Inc()
		return true
	default:
		logs.Err.Println("s.queueOutBytes: outbound queue full, evicting slow session", s.sid)
		droppedSlowSessions.Inc()
		s.stopSession(nil)
		return false
	}
}

// stopSession asks the write loop to terminate, optionally after writing one
// final frame. Non-blocking; the first stop request wins.
func (s *Session) stopSession(data []byte) {
	select {
	case s.stop <- data:
	default:
	}
}

func (s *Session) cleanUp() int {
	count := s.store.Delete(s)
	s.unsubAll()
	return count
}

// dispatchRaw parses an inbound frame and dispatches it.
func (s *Session) dispatchRaw(raw []byte) {
	toLog := raw
	truncated := ""
	if len(raw) > 512 {
		toLog = raw[:512]
		truncated = "<...>"
	}
	logs.Info.Printf("in: '%s%s' ip='%s' sid='%s' uid='%s'", toLog, truncated, s.remoteAddr, s.sid, s.uid)

	var ctl wire.Control
	if err := json.Unmarshal(raw, &ctl); err != nil {
		// Malformed frame: drop, never fatal.
		logs.Warn.Println("s.dispatch: malformed frame", s.sid, err)
		return
	}

	s.dispatch(ctl)
}

func (s *Session) dispatch(ctl wire.Control) {
	s.lastAction = time.Now()

	topic, subscribe := ctl.Topic()
	if topic.IsZero() {
		// Unknown control type or missing id: ignored for forward compatibility.
		logs.Warn.Println("s.dispatch: unrecognized control frame", ctl.Type, s.sid)
		return
	}
	if topic.Kind == wire.TopicHome {
		// The home feed is per-user; the client never names it explicitly.
		topic.ID = s.uid
	}

	// Both directions flow through the hub, never decided here: the session's
	// sub map trails the topic's run loop, so checking it would let a
	// subscribe/unsubscribe pair sent back to back race each other. The topic
	// makes both idempotent where the membership actually lives.
	s.hub.update <- &sessionUpdate{topic: topic, sess: s, leave: !subscribe}
}
