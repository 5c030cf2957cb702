package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lmfacade",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lmfacade",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lmfacade",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lmfacade",
			Subsystem: "http",
			Name:      "backpressure_total",
			Help:      "Total backpressure rejections (429)",
		},
		[]string{"reason"},
	)

	// poolResidentSessions tracks the number of sessions currently held by
	// the pool, refreshed on every /status scrape.
	poolResidentSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lmfacade",
			Subsystem: "pool",
			Name:      "resident_sessions",
			Help:      "Sessions currently held in the pool",
		},
	)

	// poolEvictionsTotal mirrors Pool.EvictionsTotal, refreshed on scrape.
	poolEvictionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lmfacade",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "LRU evictions performed by the pool since startup",
		},
	)

	// backendDispatchTotal counts how many sessions each backend.Module has
	// constructed, by module name.
	backendDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lmfacade",
			Subsystem: "backend",
			Name:      "dispatch_total",
			Help:      "Sessions constructed per backend module",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal,
		poolResidentSessions, poolEvictionsTotal, backendDispatchTotal,
	)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments requests for Prometheus.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		method := r.Method
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		statusLabel := itoa(sr.status)
		dur := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(path, method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, method, statusLabel).Observe(dur)
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure is called when returning 429 to the client.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

// RecordBackendDispatch is called by the create-session handler after a
// session was created with the named backend module. Sessions the pool
// reloads from slot files are not counted.
func RecordBackendDispatch(backendName string) {
	if backendName == "" {
		backendName = "unknown"
	}
	backendDispatchTotal.WithLabelValues(backendName).Inc()
}

// RecordPoolStatus refreshes the pool gauges from a fresh status snapshot.
func RecordPoolStatus(resident int, evictions uint64) {
	poolResidentSessions.Set(float64(resident))
	poolEvictionsTotal.Set(float64(evictions))
}

// fast integer to ascii for small set of status codes
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
