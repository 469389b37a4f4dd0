// Package metrics holds the Prometheus collectors shared by the services and
// the HTTP layer. Everything is registered on the default registry and served
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_http_requests_total",
			Help: "Total HTTP requests handled",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CASCommits counts successful compare-and-swap commits per resource type.
	CASCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_cas_commits_total",
			Help: "Committed versioned mutations",
		},
		[]string{"resource_type"},
	)

	CASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_cas_conflicts_total",
			Help: "Mutations rejected because the expected version was stale",
		},
		[]string{"resource_type"},
	)

	LockOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_lock_outcomes_total",
			Help: "Lock operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	FeedEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_feed_events_total",
			Help: "Messages published to the change feed",
		},
		[]string{"type"},
	)

	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_feed_subscribers",
			Help: "Live change-feed subscribers on this instance",
		},
	)

	FeedSubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_feed_subscribers_dropped_total",
			Help: "Live subscribers disconnected because their buffer was full",
		},
	)

	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_audit_dropped_total",
			Help: "Audit entries dropped because the queue was full",
		},
	)

	AuditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_audit_failures_total",
			Help: "Audit entries that could not be written",
		},
	)
)
