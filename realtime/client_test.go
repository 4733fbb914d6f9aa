package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/emberchat/ember/wire"
)

// fakeConn is an in-memory transport. Outbound control frames are recorded;
// inbound frames are injected with deliver; drop simulates a network failure.
type fakeConn struct {
	mu    sync.Mutex
	wrote []wire.Control

	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	var ctl wire.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return err
	}
	f.mu.Lock()
	f.wrote = append(f.wrote, ctl)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) close(code websocket.StatusCode, reason string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) deliver(t *testing.T, evt *wire.Event) {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- data
}

func (f *fakeConn) deliverRaw(data []byte) {
	f.in <- data
}

// drop severs the connection as if the network failed.
func (f *fakeConn) drop() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeConn) written() []wire.Control {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Control(nil), f.wrote...)
}

// fakeDialer hands out fakeConns, with optional per-attempt errors.
type fakeDialer struct {
	mu     sync.Mutex
	errs   []error // error for attempt i; nil or out of range succeeds
	conns  []*fakeConn
	tokens []string
}

func (d *fakeDialer) dial(_ context.Context, _, token string) (transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := len(d.tokens)
	d.tokens = append(d.tokens, token)
	if attempt < len(d.errs) && d.errs[attempt] != nil {
		return nil, d.errs[attempt]
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// newTestClient builds a client on a fake dialer with fast reconnects.
func newTestClient() (*Client, *fakeDialer) {
	cfg := DefaultConfig("ws://testserver/v0/channels")
	cfg.BackoffFloor = 2 * time.Millisecond
	cfg.BackoffCeiling = 10 * time.Millisecond
	d := &fakeDialer{}
	c := NewClient(cfg)
	c.dial = d.dial
	return c, d
}

func waitFor(cond func() bool) bool {
	for i := 0; i < 400; i++ {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	if !waitFor(func() bool { return c.State() == want }) {
		t.Fatalf("state: expected %s, got %s", want, c.State())
	}
}

func (f *fakeConn) waitWritten(t *testing.T, n int) []wire.Control {
	t.Helper()
	if !waitFor(func() bool { return len(f.written()) >= n }) {
		t.Fatalf("expected %d outbound frames, got %v", n, f.written())
	}
	return f.written()
}

func TestBackoffDelaySequence(t *testing.T) {
	cfg := DefaultConfig("ws://x")

	want := []time.Duration{
		750 * time.Millisecond,
		1200 * time.Millisecond,
		1920 * time.Millisecond,
		3072 * time.Millisecond,
		4915 * time.Millisecond,
	}
	for n, expected := range want {
		if got := backoffDelay(cfg, n).Round(time.Millisecond); got != expected {
			t.Errorf("attempt %d: expected %s, got %s", n, expected, got)
		}
	}

	// Delays hold the ceiling however long the outage runs: the exponent grows
	// past what a Duration can represent, and a wrapped negative delay would
	// turn the backoff into a hot dial loop.
	for _, n := range []int{10, 20, 48, 50, 55, 60, 100, 1000} {
		if got := backoffDelay(cfg, n); got != cfg.BackoffCeiling {
			t.Errorf("attempt %d: expected ceiling %s, got %s", n, cfg.BackoffCeiling, got)
		}
	}
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()
	d.errs = []error{errors.New("refused")}

	c.OnChannelMessage("c7", func(wire.Event) {})
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()
	if failures != 0 {
		t.Errorf("failure count must reset on success, got %d", failures)
	}
}

func TestErrorMatching(t *testing.T) {
	wrapped := wrapError(CodeAuthRejected, "handshake status 401", errors.New("ws: bad handshake"))
	if !errors.Is(wrapped, ErrAuthRejected) {
		t.Error("wrapped auth rejection expected to match ErrAuthRejected")
	}
	if errors.Is(wrapError(CodeTransport, "dial failed", nil), ErrAuthRejected) {
		t.Error("transport error must not match ErrAuthRejected")
	}
	if got := CodeSlowConsumer.String(); got != "slow_consumer" {
		t.Errorf("expected slow_consumer, got %s", got)
	}
}

func TestConnectsOnTokenAndInterest(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	// A credential alone does not connect: no handler wants anything yet.
	c.SetToken("tok1")
	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 0 {
		t.Fatalf("expected no dial without interest, got %d", n)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}

	c.OnChannelMessage("c7", func(wire.Event) {})
	waitForState(t, c, StateOpen)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("expected 1 dial, got %d", n)
	}

	frames := d.conn(0).waitWritten(t, 1)
	if frames[0].Type != wire.CtlSubscribe || frames[0].ChannelID != "c7" {
		t.Errorf("expected subscribe for c7, got %+v", frames[0])
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	// Hold the reconnect dial open so the outage has a defined window.
	var dials int32
	redialing := make(chan struct{})
	release := make(chan struct{})
	base := c.dial
	c.dial = func(ctx context.Context, url, token string) (transport, error) {
		if atomic.AddInt32(&dials, 1) == 2 {
			close(redialing)
			<-release
		}
		return base(ctx, url, token)
	}

	c.OnChannelMessage("c7", func(wire.Event) {})
	removeDM := c.OnDMMessage("th3", func(wire.Event) {})
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)
	d.conn(0).waitWritten(t, 2)

	d.conn(0).drop()
	<-redialing

	// Interest dropped during the outage must not be resubscribed.
	removeDM()
	close(release)

	if !waitFor(func() bool { return c.State() == StateOpen && d.conn(1) != nil }) {
		t.Fatalf("client never reconnected, dials=%d state=%s", d.dialCount(), c.State())
	}

	frames := d.conn(1).waitWritten(t, 1)
	seen := make(map[wire.Topic]bool)
	for _, ctl := range frames {
		if topic, sub := ctl.Topic(); sub {
			seen[topic] = true
		}
	}
	if !seen[wire.ChannelTopic("c7")] {
		t.Errorf("replayed frames missing channel subscription: %+v", frames)
	}
	for _, ctl := range frames {
		if ctl.ThreadID == "th3" {
			t.Errorf("replay carries a frame for removed interest: %+v", ctl)
		}
	}
}

func TestReconnectAfterDialFailures(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()
	d.errs = []error{errors.New("refused"), errors.New("refused")}

	c.OnChannelMessage("c7", func(wire.Event) {})
	c.SetToken("tok1")

	// Two refused attempts, then success on the third.
	waitForState(t, c, StateOpen)
	if n := d.dialCount(); n != 3 {
		t.Errorf("expected 3 dial attempts, got %d", n)
	}
}

func TestAuthRejectedClearsCredential(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()
	d.errs = []error{ErrAuthRejected}

	c.OnChannelMessage("c7", func(wire.Event) {})
	c.SetToken("badtok")

	waitForState(t, c, StateIdle)
	time.Sleep(30 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Errorf("rejected credential must not be retried, got %d dials", n)
	}

	// A fresh credential resumes service.
	c.SetToken("goodtok")
	waitForState(t, c, StateOpen)
	if n := d.dialCount(); n != 2 {
		t.Errorf("expected 2 dials after new token, got %d", n)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	c, d := newTestClient()

	c.OnChannelMessage("c7", func(wire.Event) {})
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	c.Close()
	waitForState(t, c, StateIdle)
	time.Sleep(30 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Errorf("expected no redial after Close, got %d dials", n)
	}
}

func TestCredentialSwapRedials(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	c.OnChannelMessage("c7", func(wire.Event) {})
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	c.SetToken("tok2")
	if !waitFor(func() bool { return d.dialCount() == 2 }) {
		t.Fatalf("expected redial with new token, got %d dials", d.dialCount())
	}
	waitForState(t, c, StateOpen)

	d.mu.Lock()
	last := d.tokens[len(d.tokens)-1]
	d.mu.Unlock()
	if last != "tok2" {
		t.Errorf("expected last dial with tok2, got %s", last)
	}

	// Setting the same token again is a no-op.
	c.SetToken("tok2")
	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 2 {
		t.Errorf("expected no redial for unchanged token, got %d dials", n)
	}
}

func TestTokenSwapDuringDial(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	// Park the first dial so the credential can change mid-handshake.
	dialing := make(chan struct{})
	release := make(chan struct{})
	var parkOnce sync.Once
	base := c.dial
	c.dial = func(ctx context.Context, url, token string) (transport, error) {
		parked := false
		parkOnce.Do(func() { parked = true })
		if parked {
			close(dialing)
			<-release
		}
		return base(ctx, url, token)
	}

	c.OnChannelMessage("c7", func(wire.Event) {})
	c.SetToken("tok1")
	<-dialing
	c.SetToken("tok2")
	close(release)

	// The completed dial carries a stale credential; the client must discard
	// it and dial again with the current one rather than park in connecting.
	waitForState(t, c, StateOpen)
	d.mu.Lock()
	last := d.tokens[len(d.tokens)-1]
	d.mu.Unlock()
	if last != "tok2" {
		t.Errorf("expected final dial with tok2, got %s", last)
	}
}

func TestHelloRecordsIdentity(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	hellos := make(chan wire.Event, 1)
	c.OnHello(func(evt wire.Event) { hellos <- evt })
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	d.conn(0).deliver(t, wire.EventHello("alice", "sid123"))

	select {
	case evt := <-hellos:
		if evt.UserID != "alice" {
			t.Errorf("expected userId alice, got %s", evt.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hello handler never invoked")
	}
	if c.UserID() != "alice" {
		t.Errorf("UserID: expected alice, got %s", c.UserID())
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	c, d := newTestClient()
	defer c.Close()

	got := make(chan wire.Event, 1)
	c.OnChannelMessage("c7", func(evt wire.Event) { got <- evt })
	c.SetToken("tok1")
	waitForState(t, c, StateOpen)

	d.conn(0).deliverRaw([]byte(`{"type": truncated`))
	d.conn(0).deliver(t, wire.EventChannelMessage("c7", []byte(`{"id":"m1"}`)))

	select {
	case evt := <-got:
		if evt.ChannelID != "c7" {
			t.Errorf("expected channel c7, got %s", evt.ChannelID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame after malformed one was not delivered")
	}
	if c.State() != StateOpen {
		t.Errorf("malformed frame must not drop the connection, state=%s", c.State())
	}
}
