package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	sandboxContainers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "learnlab_sandbox_containers",
		Help: "Sandbox containers known to the reaper at its last sweep.",
	})

	containersReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "learnlab_sandbox_containers_reaped_total",
		Help: "Stale sandbox containers force-removed by the reaper.",
	})

	trainRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "learnlab_sandbox_train_runs_total",
		Help: "Sandbox training runs by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(sandboxContainers, containersReaped, trainRunsTotal)
}
