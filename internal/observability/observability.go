package observability

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_processed_total",
		Help: "The total number of processed queue items",
	}, []string{"queue", "status"}) // status: completed, failed, requeued, skipped

	BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_batch_runs_total",
		Help: "The total number of dispatcher batch runs",
	}, []string{"queue"})

	ItemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_item_duration_seconds",
		Help:    "Duration of per-item pipeline processing.",
		Buckets: prometheus.LinearBuckets(0.1, 0.2, 10),
	}, []string{"queue"})

	LeasesReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_leases_reclaimed_total",
		Help: "The total number of expired leases returned to pending",
	}, []string{"queue"})
)

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string, logger *slog.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
}
