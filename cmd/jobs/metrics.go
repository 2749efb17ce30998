package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var JobsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "table_comparator_jobs_total",
		Help: "Finished comparison jobs by terminal state.",
	},
	[]string{"state"},
)

var RunningJobs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "table_comparator_running_jobs",
		Help: "Comparison jobs currently running.",
	},
)

var PairsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "table_comparator_pairs_total",
		Help: "Compared table pairs by outcome.",
	},
	[]string{"status"},
)

var PairDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name: "table_comparator_pair_duration_seconds",
		Help: "Time spent comparing one table pair.",
		Buckets: []float64{
			0.1,
			0.5,
			1,
			5,
			15,
			30,
			60,
			300,
			900,
		},
	},
)
