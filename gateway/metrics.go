package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the gateway's Prometheus instruments.
type metrics struct {
	requests         *prometheus.CounterVec
	upstreamFailures prometheus.Counter
	duration         prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_gateway_requests_total",
			Help: "Proxied requests by method and response code.",
		}, []string{"method", "code"}),
		upstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_gateway_upstream_failures_total",
			Help: "Requests that failed because the backend origin was unreachable.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inkwell_gateway_request_duration_seconds",
			Help:    "End-to-end proxied request duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) observe(method string, code int, started time.Time) {
	m.requests.WithLabelValues(method, statusLabel(code)).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
