package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BulkRequests counts bulk requests sent to the search engine.
	BulkRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_bulk_requests_total",
			Help: "Total number of bulk requests sent to the search engine",
		},
		[]string{"operation", "status"},
	)

	// RecordsSynced counts records written to or removed from the index.
	RecordsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_records_synced_total",
			Help: "Total number of records upserted or removed",
		},
		[]string{"index", "operation"},
	)

	// SearchRequests counts searches by index and outcome.
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_search_requests_total",
			Help: "Total number of search requests",
		},
		[]string{"index", "status"},
	)

	// SearchDuration observes end to end search latency, record loading included.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scout_search_duration_seconds",
			Help:    "Duration of search requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index"},
	)

	// ChangeEvents counts change feed events by operation and outcome.
	ChangeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_change_events_total",
			Help: "Total number of change events applied from the change feed",
		},
		[]string{"op", "status"},
	)
)

// Status renders an error as a metric label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
