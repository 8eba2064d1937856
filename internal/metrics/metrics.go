// Package metrics provides Prometheus metrics for the companion relay.
// All metrics use the "companion" namespace and are registered with the default
// Prometheus registry via promauto, so they are scraped on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "companion"

var (
	// ConnectionsActive is the number of open push channels on this instance.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "connections_active",
			Help:      "Number of currently open push channels.",
		},
	)

	// ConnectionsTotal counts channel open attempts by outcome.
	// outcome: accepted | rejected
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "connections_total",
			Help:      "Total channel open attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// FramesDroppedTotal counts inbound frames rejected before routing.
	// reason: rate_limited | too_large
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before routing, by reason.",
		},
		[]string{"reason"},
	)

	// RoutedTotal counts routed frames by action and response status.
	RoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_total",
			Help:      "Routed inbound frames by action and status code.",
		},
		[]string{"action", "status"},
	)

	// InvocationsTotal counts compute invocations by function and outcome.
	// outcome: accepted | rejected | succeeded | retried | failed
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "invocations_total",
			Help:      "Compute invocations by function and outcome.",
		},
		[]string{"function", "outcome"},
	)

	// InvocationDurationSeconds tracks how long each delivery attempt ran.
	InvocationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invoke",
			Name:      "duration_seconds",
			Help:      "Duration of compute target executions in seconds.",
			// 50ms → 100ms → ... → ~51s
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 11),
		},
		[]string{"function"},
	)

	// PushesTotal counts frames pushed to connections by transport and outcome.
	// transport: local | http; outcome: delivered | gone | failed
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "frames_total",
			Help:      "Frames pushed to connections by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	// GenerationsTotal counts worker generation rounds by kind and outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "generations_total",
			Help:      "Generation rounds by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)
