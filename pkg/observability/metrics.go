package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total number of HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code"},
	)

	// RequestDuration tracks request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_http_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// ActiveRequests tracks currently active requests
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echo_http_active_requests",
			Help: "Number of active HTTP requests",
		},
	)

	// StageDuration tracks time spent in each ingestion stage
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_ingest_stage_duration_seconds",
			Help:    "Ingestion pipeline stage duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 15},
		},
		[]string{"stage"},
	)

	// RowsTotal counts ingested rows by outcome
	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_ingest_rows_total",
			Help: "Rows seen by the ingestion pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	// StagingTransitions counts staging ledger operations by result
	StagingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_staging_transitions_total",
			Help: "Staging ledger operations, by action and result",
		},
		[]string{"action", "result"},
	)

	// StagedTransactions is the number of staged transactions after the last ledger write
	StagedTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echo_staged_transactions",
			Help: "Transactions still staged after the last ledger write",
		},
	)
)

// ObserveStage records a stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// NewMetricsMiddleware creates a middleware that collects Prometheus metrics.
// Requests are labelled with the ServeMux pattern that served them.
func NewMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ActiveRequests.Inc()
		defer ActiveRequests.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
