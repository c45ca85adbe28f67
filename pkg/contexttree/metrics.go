package contexttree

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_cache_hits_total",
		Help: "Resolutions served from cache after version revalidation",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_cache_misses_total",
		Help: "Resolutions that required a full parent chain walk",
	})

	cacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_cache_invalidations_total",
		Help: "Cache entries dropped by write-triggered invalidation",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_cache_evictions_total",
		Help: "Cache entries evicted by the LRU capacity bound",
	})

	cacheStaleServes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_cache_stale_serves_total",
		Help: "Resolutions served stale during a store outage",
	})

	delegationsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warren_delegations_total",
		Help: "Delegation requests by lifecycle transition",
	}, []string{"status"})
)
