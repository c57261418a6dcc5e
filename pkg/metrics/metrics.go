package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Authorization metrics
	AuthzCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_authz_cache_hits_total",
			Help: "Total number of permission snapshot cache hits",
		},
	)

	AuthzCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_authz_cache_misses_total",
			Help: "Total number of permission snapshot cache misses",
		},
	)

	AuthzDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_authz_denied_total",
			Help: "Total number of denied authorization checks",
		},
	)

	// Stream metrics
	ConnectedRunners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_connected_runners",
			Help: "Number of runner streams currently open",
		},
	)

	StreamMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_stream_messages_sent_total",
			Help: "Total number of stream messages sent by type",
		},
		[]string{"type"},
	)

	// Reconciliation metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_reconcile_cycles_total",
			Help: "Total number of full reconciliation sweeps",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canopy_reconcile_duration_seconds",
			Help:    "Duration of per-unit reconcile operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_reconcile_retries_total",
			Help: "Total number of reconcile operations queued for retry",
		},
	)

	ReconcileInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_reconcile_in_flight",
			Help: "Number of reconcile operations currently applying backend mutations",
		},
	)

	// Backend metrics
	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_backend_errors_total",
			Help: "Total number of execution backend errors by class",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(AuthzCacheHits)
	prometheus.MustRegister(AuthzCacheMisses)
	prometheus.MustRegister(AuthzDenied)
	prometheus.MustRegister(ConnectedRunners)
	prometheus.MustRegister(StreamMessagesSent)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileRetries)
	prometheus.MustRegister(ReconcileInFlight)
	prometheus.MustRegister(BackendErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and feeds it to a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
