/******************************************************************************
 *
 *  Description :
 *
 *    Derivation of per-(room,user) online state from connection lifecycle.
 *    A user is online in a room while at least one of their connections is
 *    subscribed to the room's presence topic.
 *
 *****************************************************************************/

package main

// presenceTracker counts live subscribed connections per user. It is owned
// by a single presence topic and accessed only from that topic's run loop,
// so it needs no locking.
type presenceTracker struct {
	counts map[string]int
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{counts: make(map[string]int)}
}

// join records one more connection for the user. Returns true on the
// offline to online transition.
func (p *presenceTracker) join(uid string) bool {
	p.counts[uid]++
	return p.counts[uid] == 1
}

// leave records one less connection for the user. Returns true on the
// online to offline transition, i.e. only when the last connection goes.
func (p *presenceTracker) leave(uid string) bool {
	n, ok := p.counts[uid]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(p.counts, uid)
		return true
	}
	p.counts[uid] = n - 1
	return false
}

// online reports whether the user currently has any live connection.
func (p *presenceTracker) online(uid string) bool {
	return p.counts[uid] > 0
}
