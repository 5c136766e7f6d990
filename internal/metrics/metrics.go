package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "elba_connect"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for an organisation sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"connector_kind"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of organisation sync executions.",
	}, []string{"connector_kind", "status"})

	SyncPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_pages_total",
		Help:      "Count of vendor pages fetched during syncs.",
	}, []string{"connector_kind"})

	SyncInvalidUsersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_invalid_users_total",
		Help:      "Count of vendor records dropped by schema validation.",
	}, []string{"connector_kind"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync per organisation.",
	}, []string{"connector_kind", "organisation_id"})

	// Lifecycle metrics
	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Count of vendor token refresh attempts.",
	}, []string{"connector_kind", "status"})

	UninstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uninstalls_total",
		Help:      "Count of organisation uninstall workflows.",
	}, []string{"connector_kind"})

	UserDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "user_deletions_total",
		Help:      "Count of single-user deletion workflows.",
	}, []string{"connector_kind", "status"})

	ConnectionStatusUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_status_updates_total",
		Help:      "Count of connection status updates pushed to Elba.",
	}, []string{"connector_kind", "error_type"})
)
