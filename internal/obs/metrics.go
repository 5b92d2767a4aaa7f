package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "n4h_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Domain metrics.
var (
	diagnosisTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n4h_diagnosis_transitions_total",
			Help: "Diagnosis lifecycle transitions by target status.",
		},
		[]string{"status"},
	)

	settlementAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "n4h_settlement_attempts_total",
			Help: "Reward settlement attempts by call path and outcome.",
		},
		[]string{"path", "outcome"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			diagnosisTransitions, settlementAttempts,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness check.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// RecordTransition counts a diagnosis entering the given status.
func RecordTransition(status string) {
	diagnosisTransitions.WithLabelValues(status).Inc()
}

// RecordSettlement counts a settlement attempt. path is "validate" or "pay";
// outcome is "paid", "absorbed", "failed" or "skipped" (no token configured).
func RecordSettlement(path, outcome string) {
	settlementAttempts.WithLabelValues(path, outcome).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// pathParams lists, per collection segment, how many identifier segments
// follow it before the next literal segment.
var pathParams = map[string]int{
	"roles":                  1,
	"members":                1,
	"health-centres":         1,
	"payment-configurations": 1,
	"screeners":              1,
	"diagnoses":              1,
	"tokens":                 1,
	"balances":               1,
	"allowances":             2,
}

// CanonicalPath collapses identifiers in API paths so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/v1/") {
		return raw
	}
	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	pending := 0
	for i, p := range parts {
		if pending > 0 {
			if p != "" {
				parts[i] = ":id"
			}
			pending--
			continue
		}
		pending = pathParams[p]
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
