// cache/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zbk_cache_requests_total",
		Help: "Chunk cache lookups by result (hit, slow_hit, miss)",
	}, []string{"result"})

	loadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zbk_cache_loads_total",
		Help: "Chunks loaded from the repository after a cache miss",
	})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zbk_cache_evictions_total",
		Help: "Chunks evicted from the cache, by tier",
	}, []string{"tier"})
)
