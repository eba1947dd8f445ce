package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caravel_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	queriesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_queries_submitted_total",
			Help: "Total number of accepted query submissions by dispatch mode.",
		},
		[]string{"mode"},
	)
	queriesRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_queries_rejected_total",
			Help: "Total number of query submissions rejected by validation.",
		},
	)
	queriesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravel_queries_finished_total",
			Help: "Total number of queries reaching a terminal state.",
		},
		[]string{"status"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caravel_query_duration_seconds",
			Help:    "Wall-clock time from submission to terminal state.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)
	brokerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravel_broker_queue_depth",
			Help: "Current count of live jobs (pending + claimed) in the broker.",
		},
	)
	resultRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravel_result_rows_total",
			Help: "Total number of rows materialized into the result store.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		queriesSubmittedTotal,
		queriesRejectedTotal,
		queriesFinishedTotal,
		queryDurationSeconds,
		brokerQueueDepth,
		resultRowsTotal,
	)
}

func ObserveQuerySubmitted(async bool) {
	mode := "sync"
	if async {
		mode = "async"
	}
	queriesSubmittedTotal.WithLabelValues(mode).Inc()
}

func ObserveQueryRejected() {
	queriesRejectedTotal.Inc()
}

func ObserveQueryFinished(status string, elapsed time.Duration) {
	queriesFinishedTotal.WithLabelValues(status).Inc()
	if elapsed > 0 {
		queryDurationSeconds.Observe(elapsed.Seconds())
	}
}

func SetBrokerQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	brokerQueueDepth.Set(float64(depth))
}

func ObserveResultRows(rows int64) {
	if rows > 0 {
		resultRowsTotal.Add(float64(rows))
	}
}
