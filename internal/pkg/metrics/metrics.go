// Package metrics provides Prometheus metrics for the Helmdesk sync core
// (realtime channels + decision store). Scrapeable at /metrics; dashboards
// and alerts can rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "helmdesk"

var (
	// WSReconnectsTotal counts reconnect attempts by channel.
	WSReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnects_total",
			Help:      "Total number of WebSocket reconnect attempts by channel.",
		},
		[]string{"channel"},
	)

	// WSMessagesTotal counts applied realtime messages by channel and type.
	WSMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Total number of WebSocket messages dispatched by channel and type.",
		},
		[]string{"channel", "type"},
	)

	// WSSequenceGapsTotal counts detected sequence gaps by channel.
	WSSequenceGapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_sequence_gaps_total",
			Help:      "Total number of sequence gaps detected by channel.",
		},
		[]string{"channel"},
	)

	// WSBufferDroppedTotal counts messages evicted from the suspend buffer.
	WSBufferDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_buffer_dropped_total",
			Help:      "Total number of buffered messages dropped on overflow while suspended.",
		},
		[]string{"channel"},
	)

	// ResyncsTotal counts full REST resyncs triggered by gaps or reconnects.
	ResyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Total number of full resyncs triggered.",
		},
	)

	// PollsTotal counts REST polling-fallback ticks while a channel is degraded.
	PollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of polling-fallback fetches while disconnected.",
		},
	)

	// DecisionsPending is the current size of the pending decision list.
	DecisionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decisions_pending",
			Help:      "Current number of pending decisions held in the store.",
		},
	)

	// ResolutionsTotal counts resolve attempts by outcome
	// (success, conflict, rolled_back).
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Total number of decision resolutions by outcome.",
		},
		[]string{"outcome"},
	)
)
