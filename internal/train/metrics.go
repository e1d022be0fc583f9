package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shardsync_train_step_duration_seconds",
		Help:    "Time spent in a full synchronization step",
		Buckets: prometheus.DefBuckets,
	})

	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardsync_train_steps_total",
		Help: "Total number of synchronization steps completed",
	})

	checkpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardsync_train_checkpoints_total",
		Help: "Total number of checkpoints written",
	})

	gradNormGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardsync_train_grad_norm",
		Help: "Global L2 norm of the reduced gradient at the last step",
	})
)
