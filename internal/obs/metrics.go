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

	elevationIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elevation_tokens_issued_total",
		Help: "Elevation tokens issued.",
	})

	elevationDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevation_denied_total",
			Help: "Elevation requests denied, by failure result.",
		},
		[]string{"result"},
	)

	elevationReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "elevation_token_replays_total",
		Help: "Redemption attempts against already-used elevation tokens.",
	})

	permCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_cache_lookups_total",
			Help: "Store-to-company cache lookups, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all service metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		elevationIssuedTotal,
		elevationDeniedTotal,
		elevationReplaysTotal,
		permCacheLookupsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued increments the issuance counter.
func TokenIssued() { elevationIssuedTotal.Inc() }

// ElevationDenied increments the denial counter for the given result label.
func ElevationDenied(result string) { elevationDeniedTotal.WithLabelValues(result).Inc() }

// TokenReplayed increments the replay counter.
func TokenReplayed() { elevationReplaysTotal.Inc() }

// CacheLookup records a permission-cache lookup outcome ("hit" or "miss").
func CacheLookup(outcome string) { permCacheLookupsTotal.WithLabelValues(outcome).Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

var knownPaths = map[string]struct{}{
	"/":                     {},
	"/healthz":              {},
	"/readyz":               {},
	"/metrics":              {},
	"/v1/info":              {},
	"/v1/elevation/request": {},
	"/v1/elevation/redeem":  {},
	"/v1/elevation/audit":   {},
	"/v1/elevation/summary": {},
}

// CanonicalPath maps a request path to a bounded metric label.
// Unknown paths collapse to a single bucket to keep label cardinality fixed.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "/other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
