package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	tokenConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_consume_total",
			Help: "Token consume attempts by action and result.",
		},
		[]string{"action_type", "result"},
	)

	tokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_tokens_consumed_total",
			Help: "Tokens debited from user allocations, by action.",
		},
		[]string{"action_type"},
	)
)

// Init registers the metric set in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
		ready, tokenConsumeTotal, tokensConsumedTotal)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveConsume records one consume attempt. Result is "ok" or a short
// failure class such as "insufficient_balance".
func ObserveConsume(actionType, result string, tokens int64) {
	tokenConsumeTotal.WithLabelValues(actionType, result).Inc()
	if result == "ok" && tokens > 0 {
		tokensConsumedTotal.WithLabelValues(actionType).Add(float64(tokens))
	}
}

// Instrument measures RPS, latency and in-flight count for a handler chain.
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

// CanonicalPath normalizes a request path for metric labels: the query string
// is dropped and id-bearing segments collapse so label cardinality stays
// bounded. Unknown shapes pass through unchanged.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	// /v1/orgs/:id and /v1/orgs/:id/members
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "orgs" {
		parts[3] = ":id"
		if len(parts) == 4 || (len(parts) == 5 && parts[4] == "members") {
			return strings.Join(parts, "/")
		}
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
