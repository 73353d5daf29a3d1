package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("retention")

var pruneCycles = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_prune_cycles",
	Help: "Number of completed prune cycles",
})

var pruneJobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_prune_jobs_deleted",
	Help: "Number of jobs deleted by the prune scheduler",
})

var pruneArtifactsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_prune_artifacts_deleted",
	Help: "Number of artifacts deleted by the prune scheduler",
})

var pruneBytesFreed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_prune_bytes_freed",
	Help: "Artifact bytes reclaimed by the prune scheduler",
})

var pruneItemErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_prune_item_errors",
	Help: "Per-item failures recorded during prune cycles",
})

var pruneCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "governor_prune_cycle_duration",
	Help:    "Time to run one prune cycle",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 300, 20),
})
