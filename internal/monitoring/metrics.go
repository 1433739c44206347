package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	PagesFetched      prometheus.Counter
	PageErrors        prometheus.Counter
	ProductsProcessed prometheus.Counter
	SnapshotsWritten  prometheus.Counter
	AlertsTotal       *prometheus.CounterVec
}

// NewMetrics registers all collectors on the given registerer. Tests pass a
// fresh prometheus.NewRegistry to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_runs_total",
			Help: "The total number of task runs by type and final status",
		}, []string{"task", "status"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_run_duration_seconds",
			Help:    "Duration of scrape runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		PagesFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "monitor_pages_fetched_total",
			Help: "The total number of catalog pages fetched successfully",
		}),
		PageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "monitor_page_errors_total",
			Help: "The total number of catalog pages that failed after retries",
		}),
		ProductsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "monitor_products_processed_total",
			Help: "The total number of product observations processed",
		}),
		SnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "monitor_snapshots_written_total",
			Help: "The total number of price snapshots written",
		}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "The total number of alerts generated by type",
		}, []string{"type"}),
	}
}
