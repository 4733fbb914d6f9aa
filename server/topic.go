/******************************************************************************
 *
 *  Description :
 *
 *    A topic is a routing address with its own goroutine and subscriber set.
 *    All membership changes and deliveries for a topic are serialized through
 *    its run loop, so per-topic delivery order matches emission order and a
 *    slow topic never blocks an unrelated one.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"

	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

// Keep an empty topic alive this long before unregistering it.
const topicIdleTimeout = time.Second * 5

// Request to attach or detach a session. Both flow through the hub into the
// topic's reg queue so a subscribe/unsubscribe pair from one connection is
// applied in the order the client sent it.
type sessionUpdate struct {
	topic wire.Topic
	sess  *Session
	// Detach instead of attach.
	leave bool
}

// Session has disconnected, or the store is tearing the session down.
type sessionLeave struct {
	sess *Session
}

// Request to shut down a topic's run loop.
type shutDown struct {
	// Channel for reporting completion during hub shutdown. May be nil.
	done chan<- bool
}

// Topic holds the subscriber set for one routing address.
type Topic struct {
	key wire.Topic
	hub *Hub

	// Attached sessions. Accessed only by the run loop.
	sessions map[*Session]struct{}

	// Per-(room,user) connection counting. Set only for presence topics.
	pres *presenceTracker

	// Attach or detach a session, buffered.
	reg chan *sessionUpdate

	// Detach a disconnected session, buffered.
	unreg chan *sessionLeave

	// Events to fan out to attached sessions, buffered.
	broadcast chan *wire.Event

	// Request to shut down, buffer 1.
	exit chan *shutDown

	// Fires when the topic has been empty long enough to be unregistered.
	killTimer *time.Timer

	// Set once the topic has asked the hub to unregister it. Updates arriving
	// after that are held and replayed through the hub in arrival order, so
	// they land on a fresh instance of the topic.
	dying   bool
	pending []*sessionUpdate
}

func newTopic(hub *Hub, key wire.Topic) *Topic {
	t := &Topic{
		key:       key,
		hub:       hub,
		sessions:  make(map[*Session]struct{}),
		reg:       make(chan *sessionUpdate, 256),
		unreg:     make(chan *sessionLeave, 256),
		broadcast: make(chan *wire.Event, 256),
		exit:      make(chan *shutDown, 1),
	}
	if key.Kind == wire.TopicPresence {
		t.pres = newPresenceTracker()
	}
	return t
}

func (t *Topic) run() {
	// Armed at creation: a topic nobody attaches to dies on its own.
	t.killTimer = time.NewTimer(topicIdleTimeout)

	for {
		select {
		case upd := <-t.reg:
			if t.dying {
				t.pending = append(t.pending, upd)
				continue
			}
			if upd.leave {
				t.detach(upd.sess)
			} else {
				t.attach(upd.sess)
			}

		case leave := <-t.unreg:
			t.detach(leave.sess)

		case evt := <-t.broadcast:
			t.deliver(evt)

		case <-t.killTimer.C:
			if len(t.sessions) == 0 && !t.dying {
				t.dying = true
				t.hub.unreg <- t.key
			}

		case sd := <-t.exit:
			t.drainReg()
			t.replayPending()
			if sd.done != nil {
				sd.done <- true
			}
			return
		}
	}
}

// attach adds the session to the subscriber set. Idempotent: a duplicate
// subscribe is a no-op.
func (t *Topic) attach(sess *Session) {
	if _, attached := t.sessions[sess]; attached {
		return
	}
	t.sessions[sess] = struct{}{}
	sess.addSub(t.key, &Subscription{done: t.unreg})
	t.killTimer.Stop()

	if t.pres != nil && t.pres.join(sess.uid) {
		// First connection for this (room,user): flip to online.
		t.deliver(wire.EventRoomPresence(t.key.ID, sess.uid, true))
	}
}

// detach removes the session from the subscriber set. A detach for a session
// that was never attached is a no-op.
func (t *Topic) detach(sess *Session) {
	if _, attached := t.sessions[sess]; !attached {
		return
	}
	delete(t.sessions, sess)
	sess.delSub(t.key)

	if t.pres != nil && t.pres.leave(sess.uid) {
		// Last connection for this (room,user): flip to offline.
		t.deliver(wire.EventRoomPresence(t.key.ID, sess.uid, false))
	}

	if len(t.sessions) == 0 {
		t.killTimer.Reset(topicIdleTimeout)
	}
}

// drainReg holds updates queued behind the exit request for replay.
func (t *Topic) drainReg() {
	for {
		select {
		case upd := <-t.reg:
			t.pending = append(t.pending, upd)
		default:
			return
		}
	}
}

// replayPending re-sends held updates through the hub, in arrival order. The
// hub routes them to the topic's fresh instance, creating it if needed.
func (t *Topic) replayPending() {
	if len(t.pending) == 0 {
		return
	}
	go func(pending []*sessionUpdate) {
		for _, upd := range pending {
			t.hub.update <- upd
		}
	}(t.pending)
	t.pending = nil
}

// deliver serializes the event once and enqueues it on every attached
// session independently. A session that cannot take the frame is evicted by
// its own queue logic; delivery to the others proceeds regardless.
func (t *Topic) deliver(evt *wire.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		logs.Err.Println("topic: failed to serialize event", t.key, err)
		return
	}
	for sess := range t.sessions {
		sess.queueOutBytes(data)
	}
}
