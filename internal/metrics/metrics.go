package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: change checks by verdict (changed | unchanged | error).
	ChangeChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvascache_change_checks_total",
			Help: "Total number of image change checks by verdict.",
		},
		[]string{"result"},
	)

	// Counter: estimated model tokens avoided by unchanged verdicts.
	TokensSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvascache_tokens_saved_total",
			Help: "Estimated AI tokens not spent because an image was unchanged.",
		},
	)

	// Counter: estimated model tokens for freshly optimized images.
	TokensEstimatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvascache_tokens_estimated_total",
			Help: "Estimated AI tokens for optimized images handed to the model.",
		},
	)

	// Counter: calls served by the local cache because the shared one failed.
	BackendFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvascache_backend_fallbacks_total",
			Help: "Cache operations served by the fallback backend.",
		},
		[]string{"op"},
	)

	// Histogram: cache backend latency in seconds.
	CacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvascache_backend_op_seconds",
			Help:    "Cache backend operation latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
		[]string{"backend", "op", "result"},
	)

	// Histogram: optimize pipeline duration in seconds.
	OptimizeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvascache_optimize_seconds",
			Help:    "Image optimization duration in seconds by quality tier.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"quality"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvascache_http_latency_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		ChangeChecksTotal,
		TokensSavedTotal,
		TokensEstimatedTotal,
		BackendFallbacksTotal,
		CacheOpSeconds,
		OptimizeSeconds,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request, labelled by route pattern
// so that path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
