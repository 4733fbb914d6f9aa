package realtime

import (
	"sync"

	"github.com/emberchat/ember/wire"
)

// Handler receives one inbound event. Handlers run synchronously on the
// connection's receive goroutine and must not block; kick off follow-up work
// (such as re-fetching state after an invalidation signal) asynchronously.
type Handler func(wire.Event)

// handlerKind names the independent handler collections that may share one
// underlying wire subscription. Message, reactions, delete, update and poll
// handlers on the same channel all hold the same topic key; subscribe and
// unsubscribe frames are driven purely by the per-topic ref count.
type handlerKind int

const (
	kindChannelMessage handlerKind = iota
	kindChannelUpdated
	kindChannelDeleted
	kindChannelReactions
	kindPoll
	kindDMMessage
	kindDMReactions
	kindDMError
	kindPresence
)

type handlerKey struct {
	kind  handlerKind
	topic wire.Topic
}

// OnChannelMessage registers a handler for new messages in a channel.
// The returned function removes exactly this handler; the wire subscription
// is dropped only when no handler of any kind still needs the channel.
func (c *Client) OnChannelMessage(channelID string, fn Handler) func() {
	return c.addScoped(kindChannelMessage, wire.ChannelTopic(channelID), fn)
}

// OnChannelMessageUpdated registers a handler for message edits in a channel.
func (c *Client) OnChannelMessageUpdated(channelID string, fn Handler) func() {
	return c.addScoped(kindChannelUpdated, wire.ChannelTopic(channelID), fn)
}

// OnChannelMessageDeleted registers a handler for message deletions in a channel.
func (c *Client) OnChannelMessageDeleted(channelID string, fn Handler) func() {
	return c.addScoped(kindChannelDeleted, wire.ChannelTopic(channelID), fn)
}

// OnChannelReactions registers a handler for reaction changes in a channel.
func (c *Client) OnChannelReactions(channelID string, fn Handler) func() {
	return c.addScoped(kindChannelReactions, wire.ChannelTopic(channelID), fn)
}

// OnPollUpdated registers a handler for poll vote changes in a channel.
func (c *Client) OnPollUpdated(channelID string, fn Handler) func() {
	return c.addScoped(kindPoll, wire.ChannelTopic(channelID), fn)
}

// OnDMMessage registers a handler for new messages in a DM thread.
func (c *Client) OnDMMessage(threadID string, fn Handler) func() {
	return c.addScoped(kindDMMessage, wire.DMTopic(threadID), fn)
}

// OnDMReactions registers a handler for reaction changes in a DM thread.
func (c *Client) OnDMReactions(threadID string, fn Handler) func() {
	return c.addScoped(kindDMReactions, wire.DMTopic(threadID), fn)
}

// OnDMError registers a handler for topic-scoped error frames on a DM
// thread, e.g. access revoked. Distinct from transport failures, which are
// recovered internally and never surfaced here.
func (c *Client) OnDMError(threadID string, fn Handler) func() {
	return c.addScoped(kindDMError, wire.DMTopic(threadID), fn)
}

// OnRoomPresence registers a handler for online/offline flips in one room,
// subscribing to the room's presence topic.
func (c *Client) OnRoomPresence(roomID string, fn Handler) func() {
	return c.addScoped(kindPresence, wire.PresenceTopic(roomID), fn)
}

// OnHomeUpdated registers a handler for the personal home feed. The events
// carry no payload: re-pull friend, request and thread-list state on each.
func (c *Client) OnHomeUpdated(fn Handler) func() {
	return c.addGlobal(wire.TypeHomeUpdated, wire.Topic{Kind: wire.TopicHome}, fn)
}

// OnHello registers a handler for the server greeting.
func (c *Client) OnHello(fn Handler) func() {
	return c.addGlobal(wire.TypeHello, wire.Topic{}, fn)
}

// OnRoomBanned registers a handler for being banned from a room.
func (c *Client) OnRoomBanned(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomBanned, wire.Topic{}, fn)
}

// OnRoomUnbanned registers a handler for a lifted ban.
func (c *Client) OnRoomUnbanned(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomUnbanned, wire.Topic{}, fn)
}

// OnRoomLeft registers a handler for leaving a room.
func (c *Client) OnRoomLeft(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomLeft, wire.Topic{}, fn)
}

// OnRoomKicked registers a handler for being kicked from a room.
func (c *Client) OnRoomKicked(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomKicked, wire.Topic{}, fn)
}

// OnRoomBanChanged registers a handler for ban list changes in any room.
func (c *Client) OnRoomBanChanged(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomBanChanged, wire.Topic{}, fn)
}

// OnRoomMemberChanged registers a handler for membership changes in any room.
func (c *Client) OnRoomMemberChanged(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomMemberChanged, wire.Topic{}, fn)
}

// OnPresence registers a handler for presence flips in any subscribed room.
func (c *Client) OnPresence(fn Handler) func() {
	return c.addGlobal(wire.TypeRoomPresence, wire.Topic{}, fn)
}

// addScoped registers a handler in one named collection and bumps the shared
// per-topic ref count. A subscribe frame goes out only on the 0 to 1
// transition, deferred until the transport is open if not yet connected.
func (c *Client) addScoped(kind handlerKind, topic wire.Topic, fn Handler) func() {
	key := handlerKey{kind: kind, topic: topic}

	c.mu.Lock()
	id := c.nextRef
	c.nextRef++
	if c.scoped[key] == nil {
		c.scoped[key] = make(map[int]Handler)
	}
	c.scoped[key][id] = fn
	c.refTopicLocked(topic)
	c.mu.Unlock()

	c.ensureConnected()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if hs := c.scoped[key]; hs != nil {
				delete(hs, id)
				if len(hs) == 0 {
					delete(c.scoped, key)
				}
			}
			c.unrefTopicLocked(topic)
			c.mu.Unlock()
		})
	}
}

// addGlobal registers a handler keyed by event type alone. A non-zero topic
// (the home feed) participates in ref counting like any scoped subscription.
func (c *Client) addGlobal(eventType string, topic wire.Topic, fn Handler) func() {
	c.mu.Lock()
	id := c.nextRef
	c.nextRef++
	if c.global[eventType] == nil {
		c.global[eventType] = make(map[int]Handler)
	}
	c.global[eventType][id] = fn
	if !topic.IsZero() {
		c.refTopicLocked(topic)
	}
	c.mu.Unlock()

	c.ensureConnected()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if hs := c.global[eventType]; hs != nil {
				delete(hs, id)
				if len(hs) == 0 {
					delete(c.global, eventType)
				}
			}
			if !topic.IsZero() {
				c.unrefTopicLocked(topic)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Client) refTopicLocked(topic wire.Topic) {
	c.refs[topic]++
	if c.refs[topic] == 1 && c.state == StateOpen {
		c.enqueueLocked(topic.SubscribeFrame())
	}
}

func (c *Client) unrefTopicLocked(topic wire.Topic) {
	n, ok := c.refs[topic]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.refs, topic)
		if c.state == StateOpen {
			c.enqueueLocked(topic.UnsubscribeFrame())
		}
		return
	}
	c.refs[topic] = n - 1
}

func (c *Client) hasInterestLocked() bool {
	return len(c.scoped) > 0 || len(c.global) > 0
}

// dispatch routes one inbound frame: first by type, then, for topic-scoped
// types, by the frame's topic key. Unmatched topic keys and unknown types
// are silently dropped.
func (c *Client) dispatch(evt wire.Event) {
	c.mu.Lock()
	if evt.Type == wire.TypeHello {
		c.userID = evt.UserID
		c.sid = evt.SID
	}

	var hs []Handler
	switch evt.Type {
	case wire.TypeHello, wire.TypeHomeUpdated, wire.TypeRoomBanned, wire.TypeRoomUnbanned,
		wire.TypeRoomLeft, wire.TypeRoomKicked, wire.TypeRoomBanChanged, wire.TypeRoomMemberChanged:
		hs = collect(hs, c.global[evt.Type])
	case wire.TypeRoomPresence:
		hs = collect(hs, c.global[evt.Type])
		hs = collect(hs, c.scoped[handlerKey{kind: kindPresence, topic: wire.PresenceTopic(evt.RoomID)}])
	case wire.TypeChannelMessageCreated:
		hs = collect(hs, c.scoped[handlerKey{kind: kindChannelMessage, topic: wire.ChannelTopic(evt.ChannelID)}])
	case wire.TypeChannelMessageUpdated:
		hs = collect(hs, c.scoped[handlerKey{kind: kindChannelUpdated, topic: wire.ChannelTopic(evt.ChannelID)}])
	case wire.TypeChannelMessageDeleted:
		hs = collect(hs, c.scoped[handlerKey{kind: kindChannelDeleted, topic: wire.ChannelTopic(evt.ChannelID)}])
	case wire.TypeMessageReactions:
		hs = collect(hs, c.scoped[handlerKey{kind: kindChannelReactions, topic: wire.ChannelTopic(evt.ChannelID)}])
	case wire.TypePollUpdated:
		hs = collect(hs, c.scoped[handlerKey{kind: kindPoll, topic: wire.ChannelTopic(evt.ChannelID)}])
	case wire.TypeDMMessageCreated:
		hs = collect(hs, c.scoped[handlerKey{kind: kindDMMessage, topic: wire.DMTopic(evt.ThreadID)}])
	case wire.TypeDMReactions:
		hs = collect(hs, c.scoped[handlerKey{kind: kindDMReactions, topic: wire.DMTopic(evt.ThreadID)}])
	case wire.TypeTopicError:
		hs = collect(hs, c.scoped[handlerKey{kind: kindDMError, topic: wire.DMTopic(evt.ThreadID)}])
	default:
		// Unknown frame type: ignored for forward compatibility.
	}
	c.mu.Unlock()

	// Invoke outside the lock: handlers may register or remove handlers.
	for _, h := range hs {
		h(evt)
	}
}

func collect(dst []Handler, src map[int]Handler) []Handler {
	for _, h := range src {
		dst = append(dst, h)
	}
	return dst
}
