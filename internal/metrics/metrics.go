// Package metrics exposes the process-wide Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdeck_executions_total",
		Help: "Workflow executions by final status and trigger kind.",
	}, []string{"status", "trigger"})

	ExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowdeck_execution_seconds",
		Help:    "Wall-clock duration of workflow executions.",
		Buckets: prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowdeck_queue_depth",
		Help: "Dispatched executions waiting for a free worker.",
	})

	ScheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowdeck_scheduled_jobs",
		Help: "Jobs currently present in the scheduled-jobs table.",
	})
)

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }
