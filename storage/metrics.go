// storage/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bundleLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zbk_storage_bundle_loads_total",
		Help: "Total number of bundle files read and decoded, by result",
	}, []string{"result"})

	bundleBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zbk_storage_bundle_bytes_read_total",
		Help: "Total number of bytes of bundle files read from storage",
	})

	bundleLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zbk_storage_bundle_load_duration_seconds",
		Help:    "Time to read, decrypt and decompress a bundle",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	indexReloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zbk_storage_index_reloads_total",
		Help: "Total number of times the in-memory index was rebuilt",
	})

	indexEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zbk_storage_index_entries",
		Help: "Number of chunks in the current in-memory index",
	})

	filesCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zbk_storage_files_committed_total",
		Help: "Files committed or removed by maintenance transactions",
	}, []string{"state"})
)
