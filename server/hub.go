/******************************************************************************
 *
 *  Description :
 *
 *    Fanout hub: creates and tears down topics and routes committed
 *    mutations to the topics named in each broadcast request.
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

// Request to route one event to a set of topics.
type routeReq struct {
	topics []wire.Topic
	evt    *wire.Event
}

// Hub is the core structure which holds topics. It is an explicit instance:
// construct it with newHub, tear it down with Shutdown.
type Hub struct {

	// Topics indexed by topic key.
	topics *sync.Map

	// Channel for routing events to topics, buffered at 4096.
	route chan *routeReq

	// Attach or detach a session, possibly creating the topic, buffered.
	// One lane for both directions keeps subscribe/unsubscribe pairs from a
	// single connection in their original order.
	update chan *sessionUpdate

	// Remove an empty topic from the hub, buffered.
	unreg chan wire.Topic

	// Request to shutdown, unbuffered.
	shutdown chan chan<- bool
}

func newHub() *Hub {
	h := &Hub{
		topics: &sync.Map{},
		// Buffered: the store side must not block on a burst of mutations.
		route:    make(chan *routeReq, 4096),
		update:   make(chan *sessionUpdate, 256),
		unreg:    make(chan wire.Topic, 256),
		shutdown: make(chan chan<- bool),
	}

	go h.run()

	return h
}

func (h *Hub) topicGet(key wire.Topic) *Topic {
	if t, ok := h.topics.Load(key); ok {
		return t.(*Topic)
	}
	return nil
}

func (h *Hub) topicPut(key wire.Topic, t *Topic) {
	h.topics.Store(key, t)
}

func (h *Hub) topicDel(key wire.Topic) {
	h.topics.Delete(key)
}

// Broadcast enqueues the event for every connection subscribed to any of the
// given topic keys at delivery time. The store calls it synchronously after
// each committed mutation; mutations for one topic arrive through one write
// path upstream, which is what gives per-topic emission order.
func (h *Hub) Broadcast(topics []wire.Topic, evt *wire.Event) {
	if len(topics) == 0 || evt == nil {
		return
	}
	eventsBroadcast.Inc()
	h.route <- &routeReq{topics: topics, evt: evt}
}

// Shutdown stops all topic goroutines and then the hub itself.
func (h *Hub) Shutdown() {
	done := make(chan bool)
	h.shutdown <- done
	<-done
}

func (h *Hub) run() {
	for {
		select {
		case upd := <-h.update:
			t := h.topicGet(upd.topic)
			if t == nil {
				if upd.leave {
					// No live topic means nothing is attached.
					continue
				}
				t = newTopic(h, upd.topic)
				h.topicPut(upd.topic, t)
				liveTopics.Inc()
				go t.run()
			}
			select {
			case t.reg <- upd:
			default:
				logs.Err.Println("hub: topic's reg queue full", upd.topic, upd.sess.sid)
			}

		case msg := <-h.route:
			for _, key := range msg.topics {
				t := h.topicGet(key)
				if t == nil {
					// No subscribers, nothing to deliver: events are never
					// durably queued for later.
					continue
				}
				select {
				case t.broadcast <- msg.evt:
				default:
					logs.Err.Println("hub: topic's broadcast queue is full", key)
				}
			}

		case key := <-h.unreg:
			if t := h.topicGet(key); t != nil {
				h.topicDel(key)
				liveTopics.Dec()
				t.exit <- &shutDown{}
			}

		case hubdone := <-h.shutdown:
			topicsdone := make(chan bool)
			topicCount := 0
			h.topics.Range(func(_, t any) bool {
				t.(*Topic).exit <- &shutDown{done: topicsdone}
				topicCount++
				return true
			})

			for i := 0; i < topicCount; i++ {
				<-topicsdone
			}

			logs.Info.Printf("hub: shutdown completed with %d topics", topicCount)

			hubdone <- true
			return
		}
	}
}
