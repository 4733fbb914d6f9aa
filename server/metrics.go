/******************************************************************************
 *
 *  Description :
 *
 *    Prometheus instrumentation: live session and topic counts, frame
 *    counters, slow-consumer evictions.
 *
 *****************************************************************************/

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_live_sessions",
		Help: "Number of websocket sessions currently open.",
	})
	liveTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_live_topics",
		Help: "Number of topics currently loaded in the hub.",
	})
	incomingMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_incoming_messages_websock_total",
		Help: "Total control frames received from clients.",
	})
	outgoingMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_outgoing_messages_websock_total",
		Help: "Total event frames enqueued for delivery to clients.",
	})
	eventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_events_broadcast_total",
		Help: "Total broadcast requests accepted from the store.",
	})
	droppedSlowSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_dropped_slow_sessions_total",
		Help: "Sessions evicted because their outbound queue overflowed.",
	})
)
