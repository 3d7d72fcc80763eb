// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScanCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_scan_cycles_total",
			Help: "Total number of completed scan cycles",
		},
	)

	ScanSearchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_scan_search_failures_total",
			Help: "Searches skipped this cycle due to a fetch failure",
		},
		[]string{"error_code"},
	)

	ListingsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_listings_upserted_total",
			Help: "Total number of listing upserts",
		},
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_notifications_created_total",
			Help: "Ledger entries created, by initial sent state",
		},
		[]string{"presuppressed"},
	)

	NotificationsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_notifications_sent_total",
			Help: "Notifications delivered and marked sent",
		},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_notifications_failed_total",
			Help: "Delivery attempts that failed, by error code",
		},
		[]string{"error_code"},
	)

	DispatchRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_dispatch_rate_limited_total",
			Help: "Rate-limit signals received from the delivery channel",
		},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sniper_source_fetch_duration_seconds",
			Help: "Duration of one search's source fetch in seconds",
		},
	)

	FetchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sniper_source_fetch_in_flight",
			Help: "Fetches currently in flight under the concurrency gate",
		},
	)
)
