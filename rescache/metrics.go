package rescache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_cache_hits",
	Help: "Number of result cache hits",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_cache_misses",
	Help: "Number of result cache misses",
})

var cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_cache_evictions",
	Help: "Number of entries evicted under capacity pressure",
})

var cacheExpirations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "governor_cache_expirations",
	Help: "Number of entries dropped after TTL expiry",
})

var cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "governor_cache_entries",
	Help: "Current number of live cache entries",
})

var cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "governor_cache_bytes",
	Help: "Current aggregate size of cached values",
})
