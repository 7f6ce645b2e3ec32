package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScanRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followlytics_scan_runs_total",
		Help: "Total reconciliation passes by outcome",
	}, []string{"outcome"})
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "followlytics_scan_duration_seconds",
		Help:    "End-to-end reconciliation pass duration",
		Buckets: prometheus.DefBuckets,
	})
	FollowersFetched = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "followlytics_followers_fetched",
		Help:    "Follower batch sizes per pass",
		Buckets: []float64{10, 100, 500, 1000, 5000, 10000, 50000},
	})
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "followlytics_transitions_total",
		Help: "Lifecycle events appended, by type",
	}, []string{"type"})
	DetectionSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "followlytics_unfollow_detection_suppressed_total",
		Help: "Passes where coverage was too low to flag unfollows",
	})
)

func init() {
	prometheus.MustRegister(ScanRuns, ScanDuration, FollowersFetched, Transitions, DetectionSuppressed)
}

// Handler exposes the default registry, mounted on the main router.
func Handler() http.Handler {
	return promhttp.Handler()
}
