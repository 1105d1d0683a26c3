// Package metrics exposes the daemon's ambient Prometheus
// instrumentation: queue depth, lock wait time, reconciliation outcomes,
// and broadcast fan-out. It does not attempt to replace a dedicated
// performance-profiling sidecar — just the counters/gauges/histograms an
// operator needs to see the daemon is healthy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the daemon publishes. Construct one with
// New and register it exactly once per process.
type Collector struct {
	QueueDepth      prometheus.Gauge
	QueueDropped    prometheus.Counter
	LockWaitSeconds prometheus.Histogram
	LockTimeouts    prometheus.Counter

	ReconcileRuns     prometheus.Counter
	ReconcileMatched  prometheus.Counter
	ReconcileOrphaned prometheus.Counter
	ReconcileDuration prometheus.Histogram

	RestoresStarted  prometheus.Counter
	RestoresFinished prometheus.Counter
	RestoresFailed   prometheus.Counter

	BroadcastClients  prometheus.Gauge
	BroadcastMessages prometheus.Counter
	BroadcastEvicted  prometheus.Counter

	StorageWriteSeconds prometheus.Histogram
	StorageErrors       prometheus.Counter
}

// New creates and registers a Collector against reg. Pass
// prometheus.DefaultRegisterer for the process-wide default registry.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "spacekeeper", Subsystem: "queue", Name: "depth",
			Help: "Number of distinct pending updates in the update queue.",
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "queue", Name: "dropped_total",
			Help: "Updates evicted from the queue to respect its max size.",
		}),
		LockWaitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spacekeeper", Subsystem: "lock", Name: "wait_seconds",
			Help:    "Time spent waiting to acquire a space/window lock.",
			Buckets: prometheus.DefBuckets,
		}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "lock", Name: "timeouts_total",
			Help: "Lock acquisitions that exceeded their timeout.",
		}),
		ReconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "reconcile", Name: "runs_total",
			Help: "Completed synchronize_windows_and_spaces passes.",
		}),
		ReconcileMatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "reconcile", Name: "matched_total",
			Help: "Windows matched to an existing space during reconciliation.",
		}),
		ReconcileOrphaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "reconcile", Name: "orphaned_total",
			Help: "Windows or spaces left unmatched after reconciliation.",
		}),
		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spacekeeper", Subsystem: "reconcile", Name: "duration_seconds",
			Help:    "Wall time of a full reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		RestoresStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "restore", Name: "started_total",
			Help: "Restoration transactions started.",
		}),
		RestoresFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "restore", Name: "finished_total",
			Help: "Restoration transactions that reached COMPLETED.",
		}),
		RestoresFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "restore", Name: "failed_total",
			Help: "Restoration transactions that reached FAILED.",
		}),
		BroadcastClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "spacekeeper", Subsystem: "broadcast", Name: "clients",
			Help: "Currently connected broadcast-fabric clients.",
		}),
		BroadcastMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "broadcast", Name: "messages_total",
			Help: "Messages sent across all broadcast-fabric clients.",
		}),
		BroadcastEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "broadcast", Name: "evicted_total",
			Help: "Clients evicted for a full outbound channel.",
		}),
		StorageWriteSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spacekeeper", Subsystem: "storage", Name: "write_seconds",
			Help:    "Durable store write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spacekeeper", Subsystem: "storage", Name: "errors_total",
			Help: "Durable store operations that returned an error.",
		}),
	}
}

// Handler returns the standard Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
