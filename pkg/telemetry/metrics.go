package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlink_sync_passes_total",
			Help: "Full sync passes, by outcome.",
		},
		[]string{"outcome"},
	)

	SyncCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medlink_sync_coalesced_total",
			Help: "Sync triggers coalesced into an in-flight pass.",
		},
	)

	SendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlink_send_attempts_total",
			Help: "Outbound message delivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	RealtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medlink_realtime_reconnects_total",
			Help: "Realtime channel reconnect attempts.",
		},
	)

	RealtimeMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlink_realtime_merges_total",
			Help: "Inbound realtime events merged, by result (inserted, promoted, duplicate).",
		},
		[]string{"result"},
	)

	NotificationsGated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medlink_notifications_gated_total",
			Help: "Notifications suppressed, by gate (permission, disabled, mention_only, quiet_hours).",
		},
		[]string{"gate"},
	)

	NotificationsShown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medlink_notifications_shown_total",
			Help: "Notifications delivered to the surface.",
		},
	)

	PendingChanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "medlink_pending_changes",
			Help: "Messages awaiting server confirmation (local, pending, failed).",
		},
	)
)

func init() {
	prometheus.MustRegister(SyncPasses)
	prometheus.MustRegister(SyncCoalesced)
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(RealtimeReconnects)
	prometheus.MustRegister(RealtimeMerges)
	prometheus.MustRegister(NotificationsGated)
	prometheus.MustRegister(NotificationsShown)
	prometheus.MustRegister(PendingChanges)
}

// Handler returns the metrics endpoint handler for the debug listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
