// Package metrics provides the Prometheus collectors for rxclassify.
package metrics

// Recorder is the minimal metrics interface components depend on, so tests
// can substitute a TestRecorder for the Prometheus collectors.
type Recorder interface {
	// RecordOperation records an operation outcome, e.g. ("classify", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its category.
	RecordError(operation, errorType string)
}

// Operation names shared by the pipeline stages.
const (
	OpModelLoad = "model_load"
	OpNormalize = "normalize"
	OpInference = "inference"
	OpClassify  = "classify"
	OpDispatch  = "dispatch"
	OpPublish   = "publish"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusCached  = "cached"
)

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordOperation(string, string) {}
func (NopRecorder) RecordDuration(string, float64) {}
func (NopRecorder) RecordError(string, string)     {}
