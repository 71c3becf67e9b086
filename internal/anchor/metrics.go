package anchor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_submissions_total",
		Help: "Ledger submissions by outcome",
	}, []string{"outcome"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchor_sweep_duration_seconds",
		Help:    "Duration of dispatcher sweep passes",
		Buckets: prometheus.DefBuckets,
	})

	pendingSwept = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchor_sweep_batch_count",
		Help:    "Pending batches picked up per sweep",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
	})
)
