package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ClassifierMetrics covers the normalize, inference and dispatch stages.
// It implements Recorder so pipeline components can report through it directly.
type ClassifierMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	VerdictsTotal     *prometheus.CounterVec
	Confidence        prometheus.Histogram
	ModelLoaded       prometheus.Gauge
	ActiveRequests    prometheus.Gauge
	QueueDepth        prometheus.Gauge
	registry          *prometheus.Registry
}

// NewClassifierMetrics creates and registers the classifier collectors.
func NewClassifierMetrics(registry *prometheus.Registry) (*ClassifierMetrics, error) {
	m := &ClassifierMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register classifier metrics: %w", err)
	}
	return m, nil
}

func (m *ClassifierMetrics) initMetrics() {
	m.OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rxclassify_operations_total",
		Help: "Total number of pipeline operations by operation and status",
	}, []string{"operation", "status"})

	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rxclassify_operation_duration_seconds",
		Help:    "Duration of pipeline operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation"})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rxclassify_errors_total",
		Help: "Total number of pipeline errors by operation and error type",
	}, []string{"operation", "error_type"})

	m.VerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rxclassify_verdicts_total",
		Help: "Total number of completed classifications by verdict",
	}, []string{"verdict"})

	m.Confidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rxclassify_target_confidence",
		Help:    "Distribution of target class confidence",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	m.ModelLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rxclassify_model_loaded",
		Help: "Whether a model is loaded (1) or not (0)",
	})

	m.ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rxclassify_active_requests",
		Help: "Number of requests currently normalizing or classifying",
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rxclassify_queue_depth",
		Help: "Number of requests waiting for a worker",
	})
}

// RecordOperation implements Recorder.
func (m *ClassifierMetrics) RecordOperation(operation, status string) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *ClassifierMetrics) RecordDuration(operation string, seconds float64) {
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *ClassifierMetrics) RecordError(operation, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordVerdict counts a completed classification and observes its confidence.
func (m *ClassifierMetrics) RecordVerdict(isTarget bool, confidence float64) {
	verdict := "other"
	if isTarget {
		verdict = "target"
	}
	m.VerdictsTotal.WithLabelValues(verdict).Inc()
	m.Confidence.Observe(confidence)
}

func (m *ClassifierMetrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}

func (m *ClassifierMetrics) SetActiveRequests(n int) { m.ActiveRequests.Set(float64(n)) }

func (m *ClassifierMetrics) SetQueueDepth(n int) { m.QueueDepth.Set(float64(n)) }

// Describe implements the prometheus.Collector interface.
func (m *ClassifierMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.OperationsTotal.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.VerdictsTotal.Describe(ch)
	m.Confidence.Describe(ch)
	m.ModelLoaded.Describe(ch)
	m.ActiveRequests.Describe(ch)
	m.QueueDepth.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *ClassifierMetrics) Collect(ch chan<- prometheus.Metric) {
	m.OperationsTotal.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.VerdictsTotal.Collect(ch)
	m.Confidence.Collect(ch)
	m.ModelLoaded.Collect(ch)
	m.ActiveRequests.Collect(ch)
	m.QueueDepth.Collect(ch)
}
