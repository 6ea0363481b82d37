// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts inbound collaboration events by type and result.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collabdocs",
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Inbound collaboration events processed, by type and result.",
	}, []string{"type", "result"})

	// BroadcastsTotal counts messages fanned out to room members.
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabdocs",
		Subsystem: "engine",
		Name:      "broadcasts_total",
		Help:      "Messages fanned out to room members.",
	})

	// ActiveConnections tracks currently open websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabdocs",
		Subsystem: "transport",
		Name:      "active_connections",
		Help:      "Currently open websocket connections.",
	})
)

// Result labels for EventsTotal.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)
