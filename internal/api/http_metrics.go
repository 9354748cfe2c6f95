package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const unmatchedRoute = "unmatched"

type httpMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
	inFlight prometheus.Gauge
}

var (
	httpMetricsOnce sync.Once
	apiMetrics      *httpMetrics
)

func getHTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		apiMetrics = &httpMetrics{
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "console",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency of console API requests by route pattern.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			}, []string{"method", "route", "code"}),
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "console",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Console API requests by route pattern and status code.",
			}, []string{"method", "route", "code"}),
			inFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "console",
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Console API requests currently being served.",
			}),
		}
	})
	return apiMetrics
}

func (m *httpMetrics) observe(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.duration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.requests.WithLabelValues(method, route, code).Inc()
}

// routeLabel returns the mux pattern that served r without its method, so
// label cardinality is bounded by the route table.
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
