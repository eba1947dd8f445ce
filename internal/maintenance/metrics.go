package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_result_retention_runs_total",
			Help: "Total number of result retention runs by status.",
		},
		[]string{"status"},
	)
	resultsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_results_deleted_total",
			Help: "Total number of result sets deleted by retention runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		retentionRunsTotal,
		resultsDeletedTotal,
	)
}
