// Package wire defines the topic addressing scheme and the JSON frames
// exchanged between the fanout server and its clients. Both sides import it.
package wire

import (
	"fmt"
	"strings"
)

// TopicKind enumerates the routing address categories.
type TopicKind int

const (
	// TopicNone is the zero value, not a valid routing address.
	TopicNone TopicKind = iota
	// TopicChannel routes events of a single room channel.
	TopicChannel
	// TopicDM routes events of a direct-message thread.
	TopicDM
	// TopicHome routes a user's personal invalidation feed.
	TopicHome
	// TopicPresence routes online/offline flips for one room.
	TopicPresence
)

// Topic is a routing address: events are published to topics and connections
// subscribe to them. It is a pure comparable value, usable as a map key.
type Topic struct {
	Kind TopicKind
	// ID is the channel, thread, user or room id depending on Kind.
	// Empty for the client-side home topic: a client has exactly one
	// home feed and learns its user id only from the server's hello.
	ID string
}

// ChannelTopic returns the routing address of a room channel.
func ChannelTopic(channelID string) Topic {
	return Topic{Kind: TopicChannel, ID: channelID}
}

// DMTopic returns the routing address of a direct-message thread.
func DMTopic(threadID string) Topic {
	return Topic{Kind: TopicDM, ID: threadID}
}

// HomeTopic returns the routing address of a user's home feed.
func HomeTopic(userID string) Topic {
	return Topic{Kind: TopicHome, ID: userID}
}

// PresenceTopic returns the routing address of a room's presence feed.
func PresenceTopic(roomID string) Topic {
	return Topic{Kind: TopicPresence, ID: roomID}
}

// IsZero reports whether the topic is unset.
func (t Topic) IsZero() bool {
	return t.Kind == TopicNone
}

func (t Topic) String() string {
	switch t.Kind {
	case TopicChannel:
		return "channel:" + t.ID
	case TopicDM:
		return "dm:" + t.ID
	case TopicHome:
		return "home:" + t.ID
	case TopicPresence:
		return "room:" + t.ID + ":presence"
	}
	return "none"
}

// ParseTopic parses the string form of a routing address, the inverse of
// Topic.String.
func ParseTopic(s string) (Topic, error) {
	switch {
	case strings.HasPrefix(s, "channel:"):
		if id := strings.TrimPrefix(s, "channel:"); id != "" {
			return ChannelTopic(id), nil
		}
	case strings.HasPrefix(s, "dm:"):
		if id := strings.TrimPrefix(s, "dm:"); id != "" {
			return DMTopic(id), nil
		}
	case strings.HasPrefix(s, "home:"):
		if id := strings.TrimPrefix(s, "home:"); id != "" {
			return HomeTopic(id), nil
		}
	case strings.HasPrefix(s, "room:") && strings.HasSuffix(s, ":presence"):
		if id := strings.TrimSuffix(strings.TrimPrefix(s, "room:"), ":presence"); id != "" {
			return PresenceTopic(id), nil
		}
	}
	return Topic{}, fmt.Errorf("wire: invalid topic key '%s'", s)
}

// SubscribeFrame returns the control frame which subscribes to the topic.
func (t Topic) SubscribeFrame() Control {
	switch t.Kind {
	case TopicChannel:
		return Control{Type: CtlSubscribe, ChannelID: t.ID}
	case TopicDM:
		return Control{Type: CtlSubscribeDM, ThreadID: t.ID}
	case TopicHome:
		return Control{Type: CtlSubscribeHome}
	case TopicPresence:
		return Control{Type: CtlSubscribePresence, RoomID: t.ID}
	}
	return Control{}
}

// UnsubscribeFrame returns the control frame which cancels the subscription.
func (t Topic) UnsubscribeFrame() Control {
	switch t.Kind {
	case TopicChannel:
		return Control{Type: CtlUnsubscribe, ChannelID: t.ID}
	case TopicDM:
		return Control{Type: CtlUnsubscribeDM, ThreadID: t.ID}
	case TopicHome:
		return Control{Type: CtlUnsubscribeHome}
	case TopicPresence:
		return Control{Type: CtlUnsubscribePresence, RoomID: t.ID}
	}
	return Control{}
}
