package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics tracks requests served by the API.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	registry        *prometheus.Registry
}

// NewHTTPMetrics creates and registers the HTTP collectors.
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rxclassify_http_requests_total",
		Help: "Total number of HTTP requests by method, route and status code",
	}, []string{"method", "route", "code"})

	m.RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rxclassify_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rxclassify_http_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	})
}

// ObserveRequest records a served request.
func (m *HTTPMetrics) ObserveRequest(method, route string, code int, seconds float64) {
	m.RequestsTotal.WithLabelValues(method, route, fmt.Sprint(code)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *HTTPMetrics) IncrementRateLimited() {
	m.RateLimited.Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RequestsTotal.Describe(ch)
	m.RequestDuration.Describe(ch)
	m.RateLimited.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RequestsTotal.Collect(ch)
	m.RequestDuration.Collect(ch)
	m.RateLimited.Collect(ch)
}
