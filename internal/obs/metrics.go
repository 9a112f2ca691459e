package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
)

// Access decision metrics
var (
	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authentication and authorization decisions by stage and outcome.",
		},
		[]string{"stage", "result", "code"},
	)

	quotaRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apikey_quota_rejections_total",
		Help: "API-key requests rejected because the quota window was exhausted.",
	})

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_records_dropped_total",
		Help: "Access records dropped because the audit queue was full or closed.",
	})

	auditSinkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_sink_errors_total",
		Help: "Access records the audit sink failed to persist.",
	})

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when dependencies answered the last readiness probe.",
	})
)

var (
	initOnce sync.Once
	ready    atomic.Bool
)

// Init registers the metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authDecisions, quotaRejections, auditDropped, auditSinkErrors, serviceReady,
		)
	})
}

// Handler serves the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision counts one decision. result is "allow" or "deny"; code is
// the denial code, empty on allow.
func RecordDecision(stage, result, code string) {
	authDecisions.WithLabelValues(stage, result, code).Inc()
	if code == "rate_limited" {
		quotaRejections.Inc()
	}
}

func RecordAuditDropped()   { auditDropped.Inc() }
func RecordAuditSinkError() { auditSinkErrors.Inc() }

// SetReady flips the readiness state reported by /readyz and gRPC health.
func SetReady(v bool) {
	ready.Store(v)
	if v {
		serviceReady.Set(1)
	} else {
		serviceReady.Set(0)
	}
}

// Ready reports the last readiness state.
func Ready() bool { return ready.Load() }

// Instrument measures RPS, latency and in-flight requests.
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

// CanonicalPath collapses identifier segments to ":id" to bound label
// cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		if looksLikeID(part) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	digits := true
	for _, r := range s {
		if r < '0' || r > '9' {
			digits = false
			break
		}
	}
	if digits {
		return true
	}
	switch len(s) {
	case 26: // ULID
		return strings.IndexFunc(s, func(r rune) bool {
			return !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z')
		}) < 0 && strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0
	case 36: // UUID
		return strings.Count(s, "-") == 4
	}
	return false
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
