package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for stage outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
)

var (
	stageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learnlab_stage_runs_total",
			Help: "Total number of pipeline stage executions.",
		},
		[]string{"stage", "outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "learnlab_stage_duration_seconds",
			Help:    "Wall-clock duration of pipeline stage executions.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"stage"},
	)

	activeStages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "learnlab_active_stages",
			Help: "Number of pipeline stages currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(stageRunsTotal)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(activeStages)
}
