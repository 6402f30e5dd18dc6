// Package metrics holds the prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms_live",
		Help: "Room states currently held in memory",
	})

	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions_live",
		Help: "Synced transport sessions",
	})

	FragmentsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_fragments_applied_total",
		Help: "Update fragments appended to room logs",
	})

	FragmentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_fragment_bytes_total",
		Help: "Bytes of update fragments appended to room logs",
	})

	Compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_compactions_total",
		Help: "Room compactions by result",
	}, []string{"result"})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_persistence_failures_total",
		Help: "Snapshot store failures by operation",
	}, []string{"op"})

	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_access_decisions_total",
		Help: "Handshake access decisions by outcome",
	}, []string{"outcome"})

	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_protocol_violations_total",
		Help: "Rejected inbound frames by reason",
	}, []string{"reason"})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_notifications_delivered_total",
		Help: "Metadata notifications pushed to sessions",
	})

	BridgeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_bridge_events_total",
		Help: "Metadata bus events received by result",
	}, []string{"result"})
)
