// Package fbmetrics defines Prometheus metrics for lifecycle activity. Metrics
// are registered against a caller-provided registerer so that tests can use
// their own registry.
package fbmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fadeboard"

// Reasons a post is removed, used as the `reason` label.
const (
	ReasonCascade = "cascade"
	ReasonDeleted = "deleted"
	ReasonExpired = "expired"
)

type Metrics struct {
	MaintenancePassDuration prometheus.Histogram
	MaintenancePassFailures prometheus.Counter
	MediaDeleteFailures     prometheus.Counter
	OrphanMediaRemoved      prometheus.Counter
	PostsCreated            prometheus.Counter
	PostsRemoved            *prometheus.CounterVec
	RoomsCreated            prometheus.Counter
	RoomsRemoved            prometheus.Counter
	SnapshotLoadRecoveries  prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		MaintenancePassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_pass_duration_seconds",
			Help:      "Duration of maintenance passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		MaintenancePassFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_pass_failures_total",
			Help:      "Maintenance passes that failed to persist their result.",
		}),
		MediaDeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_delete_failures_total",
			Help:      "Media deletions that failed and were left for a later sweep.",
		}),
		OrphanMediaRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_media_removed_total",
			Help:      "Unreferenced media files removed by the orphan sweep.",
		}),
		PostsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_created_total",
			Help:      "Posts created.",
		}),
		PostsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_removed_total",
			Help:      "Posts removed, by reason.",
		}, []string{"reason"}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		RoomsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_removed_total",
			Help:      "Rooms removed after going inactive.",
		}),
		SnapshotLoadRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_load_recoveries_total",
			Help:      "Snapshot loads that failed and were replaced with an empty snapshot.",
		}),
	}

	registerer.MustRegister(
		m.MaintenancePassDuration,
		m.MaintenancePassFailures,
		m.MediaDeleteFailures,
		m.OrphanMediaRemoved,
		m.PostsCreated,
		m.PostsRemoved,
		m.RoomsCreated,
		m.RoomsRemoved,
		m.SnapshotLoadRecoveries,
	)

	return m
}
