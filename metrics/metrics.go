// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Metrics - prometheus collectors shared by the pool, the sync layer and the mirror.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaypool"

var (
	// ConnectionEvents counts endpoint lifecycle transitions by outcome
	// (connected, dial_failed, dropped, ping_failed).
	ConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "events_total",
		Help:      "Relay connection lifecycle events by outcome.",
	}, []string{"outcome"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped by reason.",
	}, []string{"reason"})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_dropped_total",
		Help:      "Requests dropped because a relay queue was full.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active_subscriptions",
		Help:      "Registered subscriptions.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "events_delivered_total",
		Help:      "Events delivered to subscribers after deduplication.",
	})

	// SyncSessions counts reconciliation sessions by result
	// (completed, failed, timeout, rejected).
	SyncSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nip77",
		Name:      "sessions_total",
		Help:      "Negentropy sessions by result.",
	}, []string{"result"})

	SyncEventsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nip77",
		Name:      "events_fetched_total",
		Help:      "Events fetched after reconciliation.",
	})

	MirroredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mirror",
		Name:      "events_total",
		Help:      "Events handled by the mirror by source (sync, live).",
	}, []string{"source"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
