package realtime

import (
	"testing"
	"time"

	"github.com/emberchat/ember/wire"
)

func countFrames(frames []wire.Control, frameType, id string) int {
	n := 0
	for _, ctl := range frames {
		if ctl.Type == frameType && (ctl.ChannelID == id || ctl.ThreadID == id || ctl.RoomID == id) {
			n++
		}
	}
	return n
}

func TestSharedTopicRefCounting(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	c.SetToken("tok1")

	// Two independent consumers of the same channel: a message list and an
	// unread counter. One wire subscription serves both.
	removeA := c.OnChannelMessage("c7", func(wire.Event) {})
	waitForState(t, c, StateOpen)
	conn := d.conn(0)
	conn.waitWritten(t, 1)

	removeB := c.OnChannelReactions("c7", func(wire.Event) {})
	time.Sleep(20 * time.Millisecond)
	if n := countFrames(conn.written(), wire.CtlSubscribe, "c7"); n != 1 {
		t.Fatalf("expected exactly 1 subscribe for c7, got %d", n)
	}

	// First removal: the other consumer still needs the topic.
	removeA()
	time.Sleep(20 * time.Millisecond)
	if n := countFrames(conn.written(), wire.CtlUnsubscribe, "c7"); n != 0 {
		t.Fatalf("expected no unsubscribe while a consumer remains, got %d", n)
	}

	// Last removal drops the wire subscription.
	removeB()
	conn.waitWritten(t, 2)
	if n := countFrames(conn.written(), wire.CtlUnsubscribe, "c7"); n != 1 {
		t.Fatalf("expected exactly 1 unsubscribe for c7, got %d", n)
	}

	// Removal funcs are idempotent.
	removeB()
	time.Sleep(20 * time.Millisecond)
	if n := countFrames(conn.written(), wire.CtlUnsubscribe, "c7"); n != 1 {
		t.Fatalf("double removal emitted another unsubscribe, got %d", n)
	}
}

func TestHomeSubscription(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	c.SetToken("tok1")
	c.OnHomeUpdated(func(wire.Event) {})
	waitForState(t, c, StateOpen)

	frames := d.conn(0).waitWritten(t, 1)
	if frames[0].Type != wire.CtlSubscribeHome {
		t.Errorf("expected %s, got %+v", wire.CtlSubscribeHome, frames[0])
	}
}

func TestScopedRouting(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	matched := make(chan wire.Event, 4)
	other := make(chan wire.Event, 4)
	c.OnDMMessage("th3", func(evt wire.Event) { matched <- evt })
	c.OnDMMessage("th4", func(evt wire.Event) { other <- evt })
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)
	conn := d.conn(0)

	conn.deliver(t, wire.EventDMMessage("th3", []byte(`{"id":"m1"}`)))

	select {
	case evt := <-matched:
		if evt.ThreadID != "th3" {
			t.Errorf("expected thread th3, got %s", evt.ThreadID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler for th3 never invoked")
	}
	select {
	case evt := <-other:
		t.Fatalf("handler for th4 wrongly received %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	// An event for a thread nobody watches is dropped without fuss.
	conn.deliver(t, wire.EventDMMessage("th9", []byte(`{"id":"m2"}`)))
	time.Sleep(20 * time.Millisecond)
	if c.State() != StateOpen {
		t.Errorf("unmatched event must not affect the connection, state=%s", c.State())
	}
}

func TestTopicErrorRouting(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	msgs := make(chan wire.Event, 4)
	errs := make(chan wire.Event, 4)
	c.OnDMMessage("th3", func(evt wire.Event) { msgs <- evt })
	c.OnDMError("th3", func(evt wire.Event) { errs <- evt })
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	d.conn(0).deliver(t, wire.EventTopicError("th3", "thread access revoked"))

	select {
	case evt := <-errs:
		if evt.Error != "thread access revoked" {
			t.Errorf("unexpected error payload: %s", evt.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler never invoked")
	}
	select {
	case evt := <-msgs:
		t.Fatalf("message handler wrongly received error frame %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	// The connection survives a topic scoped error.
	if c.State() != StateOpen {
		t.Errorf("expected open after topic error, got %s", c.State())
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	got := make(chan wire.Event, 1)
	c.OnChannelMessage("c7", func(evt wire.Event) { got <- evt })
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)
	conn := d.conn(0)

	conn.deliverRaw([]byte(`{"type":"server_experiment_v2","channelId":"c7"}`))
	conn.deliver(t, wire.EventChannelMessage("c7", []byte(`{"id":"m1"}`)))

	select {
	case evt := <-got:
		if evt.Type != wire.TypeChannelMessageCreated {
			t.Errorf("expected %s, got %s", wire.TypeChannelMessageCreated, evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("known event after unknown one was not delivered")
	}
}

func TestPresenceRouting(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	scoped := make(chan wire.Event, 4)
	global := make(chan wire.Event, 4)
	c.OnRoomPresence("r1", func(evt wire.Event) { scoped <- evt })
	c.OnPresence(func(evt wire.Event) { global <- evt })
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	frames := d.conn(0).waitWritten(t, 1)
	if frames[0].Type != wire.CtlSubscribePresence || frames[0].RoomID != "r1" {
		t.Fatalf("expected presence subscribe for r1, got %+v", frames[0])
	}

	d.conn(0).deliver(t, wire.EventRoomPresence("r1", "bob", true))

	for name, ch := range map[string]chan wire.Event{"scoped": scoped, "global": global} {
		select {
		case evt := <-ch:
			if evt.UserID != "bob" || evt.Online == nil || !*evt.Online {
				t.Errorf("%s: unexpected presence event %+v", name, evt)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s presence handler never invoked", name)
		}
	}

	// An event for another room reaches only the global handler.
	d.conn(0).deliver(t, wire.EventRoomPresence("r2", "eve", false))
	select {
	case evt := <-global:
		if evt.RoomID != "r2" {
			t.Errorf("global: expected room r2, got %s", evt.RoomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("global presence handler never invoked for r2")
	}
	select {
	case evt := <-scoped:
		t.Fatalf("scoped handler wrongly received %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
