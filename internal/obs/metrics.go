package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Safety-core metrics.
var (
	actionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_attempts_total",
			Help: "Tool executions by final status.",
		},
		[]string{"tool", "status"},
	)

	consentValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_validations_total",
			Help: "Consent token validations by outcome code.",
		},
		[]string{"code"},
	)

	policyBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_blocks_total",
			Help: "Actions blocked by policy, by block code.",
		},
		[]string{"code"},
	)

	replayHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_hits_total",
			Help: "Duplicate submissions short-circuited by the replay ledger.",
		},
		[]string{"state"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		actionAttemptsTotal, consentValidationsTotal, policyBlocksTotal, replayHitsTotal,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady reflects the readiness probe result in the metrics.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

func ObserveAction(tool, status string) {
	actionAttemptsTotal.WithLabelValues(tool, status).Inc()
}

func ObserveConsentValidation(code string) {
	consentValidationsTotal.WithLabelValues(code).Inc()
}

func ObservePolicyBlock(code string) {
	policyBlocksTotal.WithLabelValues(code).Inc()
}

func ObserveReplayHit(state string) {
	replayHitsTotal.WithLabelValues(state).Inc()
}

// CanonicalPath collapses per-record path segments so metric cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "actions" && parts[2] != "" && parts[2] != "execute" {
		return "/v1/actions/:id"
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for the metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
