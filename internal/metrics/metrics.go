package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_chat_active_rooms",
			Help: "Rooms with a live coordinator",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portal_chat_active_sessions",
			Help: "Connected websocket sessions",
		},
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_messages_persisted_total",
			Help: "Messages durably stored",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_persist_failures_total",
			Help: "Message store writes that failed",
		},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_broadcast_deliveries_total",
			Help: "Frames delivered to sessions during fan-out",
		},
	)

	DroppedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_chat_dropped_frames_total",
			Help: "Inbound frames dropped",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "persist_error"
	)

	PrunedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_chat_pruned_sessions_total",
			Help: "Sessions removed after a failed delivery",
		},
	)

	PersistLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portal_chat_persist_latency_seconds",
			Help:    "Message store write latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)
