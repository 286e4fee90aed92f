// server/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zbk_server_connections_total",
		Help: "Total number of client connections accepted",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zbk_server_active_connections",
		Help: "Number of client connections currently being served",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zbk_server_requests_total",
		Help: "Total number of requests, by command and result",
	}, []string{"command", "result"})

	restoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zbk_server_restored_bytes_total",
		Help: "Total number of backup bytes sent to clients",
	})
)
