package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("governor")

var computeInvocations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_compute_invocations",
	Help: "Number of compute callbacks dispatched on cache misses",
})

var computeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_compute_failures",
	Help: "Number of compute callbacks that returned an error",
})

var computesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_computes_coalesced",
	Help: "Number of lookups that attached to an in-flight compute",
})

var computeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "governor_compute_duration",
	Help:    "Time spent in the compute callback",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 60, 20),
})
