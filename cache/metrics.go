package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "texcache"

var (
	metricTileHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tiles",
			Name:      "hits_total",
		},
	)
	metricTileMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tiles",
			Name:      "misses_total",
		},
	)
	metricTileEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tiles",
			Name:      "evictions_total",
		},
	)
	metricBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "files",
			Name:      "bytes_read_total",
		},
	)
	metricBrokenFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "files",
			Name:      "broken_total",
		},
	)
	metricOpenFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "files",
			Name:      "open",
		},
	)
	metricCacheMemory = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "tiles",
			Name:      "memory_bytes",
		},
	)
)
