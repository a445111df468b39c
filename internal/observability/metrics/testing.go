package metrics

import "sync"

type countKey struct {
	operation, label string
}

// TestRecorder is a Recorder that keeps everything in memory so tests can
// assert on what a component recorded.
type TestRecorder struct {
	mu        sync.RWMutex
	counts    map[countKey]int
	errs      map[countKey]int
	durations map[string][]float64
}

// NewTestRecorder returns an empty TestRecorder.
func NewTestRecorder() *TestRecorder {
	r := &TestRecorder{}
	r.Reset()
	return r
}

func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	r.counts[countKey{operation, status}]++
	r.mu.Unlock()
}

func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	r.durations[operation] = append(r.durations[operation], seconds)
	r.mu.Unlock()
}

func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	r.errs[countKey{operation, errorType}]++
	r.mu.Unlock()
}

// GetOperationCount returns how often operation finished with status.
func (r *TestRecorder) GetOperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[countKey{operation, status}]
}

// GetDurations returns a copy of the durations recorded for operation.
func (r *TestRecorder) GetDurations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]float64(nil), r.durations[operation]...)
}

// GetErrorCount returns how often operation failed with errorType.
func (r *TestRecorder) GetErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errs[countKey{operation, errorType}]
}

// Reset forgets everything recorded so far.
func (r *TestRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[countKey]int)
	r.errs = make(map[countKey]int)
	r.durations = make(map[string][]float64)
}
