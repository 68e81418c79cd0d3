package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Execution ---
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge

	// --- Inbound ordering ---
	DuplicatesSkipped *prometheus.CounterVec
	NonceRejections   *prometheus.CounterVec
	FeedUpdates       *prometheus.CounterVec
	FeedStaleDrops    *prometheus.CounterVec

	// --- Outbound ---
	EventsPublished *prometheus.CounterVec
	PublishDrops    prometheus.Counter
	PublishErrors   prometheus.Counter

	// --- Persistence ---
	PersistActionsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDuration  prometheus.Histogram
	PersistErrors         *prometheus.CounterVec

	// --- Snapshots ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram

	// --- Queries ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default
// registry. Call once per process.
func NewMetrics() *Metrics {
	executionBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
	}
	writeBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_executions_total",
			Help: "Actions executed, by kind and terminal state",
		}, []string{"kind", "state"}),

		ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcore_execution_duration_seconds",
			Help:    "Time to execute a single action",
			Buckets: executionBuckets,
		}, []string{"kind"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_engine_sequence",
			Help: "Committed actions this run",
		}),

		DuplicatesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_duplicates_skipped_total",
			Help: "Duplicate action IDs skipped",
		}, []string{"tier"}),

		NonceRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_nonce_rejections_total",
			Help: "Actions rejected on owner nonce (gap/replay)",
		}, []string{"reason"}),

		FeedUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_feed_updates_total",
			Help: "Accepted price feed updates",
		}, []string{"token"}),

		FeedStaleDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_feed_stale_drops_total",
			Help: "Price feeds dropped for stale slots",
		}, []string{"token"}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_events_published_total",
			Help: "Envelopes published to JetStream",
		}, []string{"kind"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_publish_drops_total",
			Help: "Envelopes dropped on full outbound buffer",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_publish_errors_total",
			Help: "JetStream publish failures",
		}),

		PersistActionsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_persist_actions_written_total",
			Help: "Action records written to the archive",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_persist_batch_size",
			Help:    "Action records per archive batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_persist_batch_duration_seconds",
			Help:    "Archive batch write duration",
			Buckets: writeBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_persist_errors_total",
			Help: "Archive write failures",
		}, []string{"op"}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_snapshot_duration_seconds",
			Help:    "Snapshot capture and write time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcore_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"endpoint"}),
	}
}

// ObserveExecution implements the executor's Recorder interface.
func (m *Metrics) ObserveExecution(kind, state string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(kind, state).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(seconds)
}
