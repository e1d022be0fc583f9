package comm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	collectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardsync_collective_duration_seconds",
		Help:    "Time spent in collective operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	collectiveCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardsync_collective_calls_total",
		Help: "Total number of collective operations issued",
	}, []string{"op"})

	collectiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardsync_collective_bytes_total",
		Help: "Total payload bytes moved by collective operations",
	}, []string{"op"})
)
