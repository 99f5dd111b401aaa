package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svctrigger_dispatch_total",
			Help: "Workflow dispatch sequences by terminal outcome.",
		},
		[]string{"outcome"},
	)
	dispatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svctrigger_dispatch_retries_total",
			Help: "Retry attempts across all workflow dispatch sequences.",
		},
	)
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svctrigger_dispatch_attempt_duration_seconds",
			Help:    "Duration of individual workflow_dispatch HTTP attempts.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
)
