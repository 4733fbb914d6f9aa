package wire

import (
	"encoding/json"
	"time"
)

// Client to server control frame types.
const (
	CtlSubscribe           = "subscribe"
	CtlUnsubscribe         = "unsubscribe"
	CtlSubscribeDM         = "subscribe_dm"
	CtlUnsubscribeDM       = "unsubscribe_dm"
	CtlSubscribeHome       = "subscribe_home"
	CtlUnsubscribeHome     = "unsubscribe_home"
	CtlSubscribePresence   = "subscribe_presence"
	CtlUnsubscribePresence = "unsubscribe_presence"
)

// Server to client event frame types.
const (
	TypeHello                 = "hello"
	TypeChannelMessageCreated = "channel_message_created"
	TypeChannelMessageUpdated = "channel_message_updated"
	TypeChannelMessageDeleted = "channel_message_deleted"
	TypeMessageReactions      = "message_reactions_updated"
	TypePollUpdated           = "poll_updated"
	TypeDMMessageCreated      = "dm_message_created"
	TypeDMReactions           = "dm_reactions_updated"
	TypeTopicError            = "error"
	TypeHomeUpdated           = "home_updated"
	TypeRoomBanned            = "room_banned"
	TypeRoomUnbanned          = "room_unbanned"
	TypeRoomLeft              = "room_left"
	TypeRoomKicked            = "room_kicked"
	TypeRoomBanChanged        = "room_ban_changed"
	TypeRoomMemberChanged     = "room_member_changed"
	TypeRoomPresence          = "room_presence"
)

// Control is a client to server frame. Exactly one of the id fields is set,
// as dictated by Type; subscribe_home/unsubscribe_home carry none.
type Control struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// Topic derives the routing address a control frame operates on and whether
// the frame subscribes (true) or unsubscribes (false). A zero topic means the
// frame is not a recognized control frame or is missing its id.
func (c Control) Topic() (Topic, bool) {
	switch c.Type {
	case CtlSubscribe:
		if c.ChannelID != "" {
			return ChannelTopic(c.ChannelID), true
		}
	case CtlUnsubscribe:
		if c.ChannelID != "" {
			return ChannelTopic(c.ChannelID), false
		}
	case CtlSubscribeDM:
		if c.ThreadID != "" {
			return DMTopic(c.ThreadID), true
		}
	case CtlUnsubscribeDM:
		if c.ThreadID != "" {
			return DMTopic(c.ThreadID), false
		}
	case CtlSubscribeHome:
		return Topic{Kind: TopicHome}, true
	case CtlUnsubscribeHome:
		return Topic{Kind: TopicHome}, false
	case CtlSubscribePresence:
		if c.RoomID != "" {
			return PresenceTopic(c.RoomID), true
		}
	case CtlUnsubscribePresence:
		if c.RoomID != "" {
			return PresenceTopic(c.RoomID), false
		}
	}
	return Topic{}, false
}

// Event is a server to client frame. Events are immutable once built: emitted
// once, delivered at least once to the connections subscribed at emission
// time, never queued for delivery to a disconnected client.
type Event struct {
	Type      string          `json:"type"`
	SID       string          `json:"sid,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Content   string          `json:"content,omitempty"`
	EditedAt  *time.Time      `json:"edited_at,omitempty"`
	Reactions json.RawMessage `json:"reactions,omitempty"`
	Poll      json.RawMessage `json:"poll,omitempty"`
	Error     string          `json:"error,omitempty"`
	Online    *bool           `json:"online,omitempty"`
	Joined    *bool           `json:"joined,omitempty"`
	Banned    *bool           `json:"banned,omitempty"`
}

// EventHello greets a freshly authenticated connection.
func EventHello(userID, sid string) *Event {
	return &Event{Type: TypeHello, UserID: userID, SID: sid}
}

// EventChannelMessage announces a new message in a channel.
func EventChannelMessage(channelID string, message json.RawMessage) *Event {
	return &Event{Type: TypeChannelMessageCreated, ChannelID: channelID, Message: message}
}

// EventChannelMessageUpdated announces an edit to an existing channel message.
func EventChannelMessageUpdated(channelID, messageID, content string, editedAt time.Time) *Event {
	return &Event{
		Type:      TypeChannelMessageUpdated,
		ChannelID: channelID,
		MessageID: messageID,
		Content:   content,
		EditedAt:  &editedAt,
	}
}

// EventChannelMessageDeleted announces removal of a channel message.
func EventChannelMessageDeleted(channelID, messageID string) *Event {
	return &Event{Type: TypeChannelMessageDeleted, ChannelID: channelID, MessageID: messageID}
}

// EventReactionsUpdated announces a change to a channel message's reactions.
func EventReactionsUpdated(channelID, messageID string, reactions json.RawMessage) *Event {
	return &Event{Type: TypeMessageReactions, ChannelID: channelID, MessageID: messageID, Reactions: reactions}
}

// EventPollUpdated announces a vote change on a channel poll.
func EventPollUpdated(channelID, messageID string, poll json.RawMessage) *Event {
	return &Event{Type: TypePollUpdated, ChannelID: channelID, MessageID: messageID, Poll: poll}
}

// EventDMMessage announces a new message in a direct-message thread.
func EventDMMessage(threadID string, message json.RawMessage) *Event {
	return &Event{Type: TypeDMMessageCreated, ThreadID: threadID, Message: message}
}

// EventDMReactionsUpdated announces a reaction change in a DM thread.
func EventDMReactionsUpdated(threadID, messageID string, reactions json.RawMessage) *Event {
	return &Event{Type: TypeDMReactions, ThreadID: threadID, MessageID: messageID, Reactions: reactions}
}

// EventTopicError signals a topic-scoped condition, e.g. a DM thread the user
// may no longer access. The connection stays open.
func EventTopicError(threadID, errmsg string) *Event {
	return &Event{Type: TypeTopicError, ThreadID: threadID, Error: errmsg}
}

// EventHomeUpdated is a pure invalidation signal: it carries no payload and
// the receiver re-pulls friend/request/thread state itself.
func EventHomeUpdated() *Event {
	return &Event{Type: TypeHomeUpdated}
}

// EventRoomBanned tells the affected user they were banned from a room.
func EventRoomBanned(roomID string) *Event {
	return &Event{Type: TypeRoomBanned, RoomID: roomID}
}

// EventRoomUnbanned tells the affected user a ban was lifted.
func EventRoomUnbanned(roomID string) *Event {
	return &Event{Type: TypeRoomUnbanned, RoomID: roomID}
}

// EventRoomLeft tells the user's other connections they left a room.
func EventRoomLeft(roomID string) *Event {
	return &Event{Type: TypeRoomLeft, RoomID: roomID}
}

// EventRoomKicked tells the affected user they were kicked from a room.
func EventRoomKicked(roomID string) *Event {
	return &Event{Type: TypeRoomKicked, RoomID: roomID}
}

// EventRoomBanChanged announces a ban list change to room members.
func EventRoomBanChanged(roomID, userID string, banned bool) *Event {
	return &Event{Type: TypeRoomBanChanged, RoomID: roomID, UserID: userID, Banned: &banned}
}

// EventRoomMemberChanged announces a membership change to room members.
func EventRoomMemberChanged(roomID, userID string, joined bool) *Event {
	return &Event{Type: TypeRoomMemberChanged, RoomID: roomID, UserID: userID, Joined: &joined}
}

// EventRoomPresence announces a user's online/offline flip in a room.
func EventRoomPresence(roomID, userID string, online bool) *Event {
	return &Event{Type: TypeRoomPresence, RoomID: roomID, UserID: userID, Online: &online}
}
