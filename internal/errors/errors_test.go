package errors

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestBuildFastPathDefaults(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuildKeepsExplicitMetadata(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(NewStd("bad pixels")).
		Component("imagenorm").
		Category(CategoryImageConversion).
		Context("width", 0).
		Timing("normalize", 15*time.Millisecond).
		Build()

	assert.Equal(t, "imagenorm", ee.GetComponent())
	assert.True(t, IsCategory(ee, CategoryImageConversion))
	ctx := ee.GetContext()
	assert.Equal(t, 0, ctx["width"])
	assert.Equal(t, "normalize", ctx["operation"])
	assert.Equal(t, int64(15), ctx["duration_ms"])

	ctx["width"] = 99
	assert.Equal(t, 0, ee.GetContext()["width"], "context copy must not alias")
}

func TestSentinelMatchingThroughWrapping(t *testing.T) {
	SetTelemetryReporter(nil)

	sentinel := NewStd("inference failed")
	ee := New(fmt.Errorf("%w: tensor mismatch", sentinel)).Category(CategoryInference).Build()
	wrapped := fmt.Errorf("classify: %w", ee)

	assert.True(t, Is(wrapped, sentinel))
	assert.True(t, Is(wrapped, &EnhancedError{Category: CategoryInference}))
	assert.False(t, Is(wrapped, &EnhancedError{Category: CategoryModelLoad}))
	assert.Equal(t, CategoryInference, CategoryOf(wrapped))
	assert.Equal(t, CategoryGeneric, CategoryOf(NewStd("plain")))
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	SetTelemetryReporter(nil)

	inner := New(NewStd("model missing")).Category(CategoryModelLoad).Build()
	outer := New(fmt.Errorf("startup: %w", inner)).Build()

	assert.Equal(t, CategoryModelLoad, outer.Category)
}

func TestReporterReceivesErrorsOnce(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("load failed")).Category(CategoryModelLoad).Build()
	reportToTelemetry(ee)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.reported, 1)
	assert.True(t, ee.IsReported())
	assert.NotEqual(t, ComponentUnknown, ee.GetComponent())
}

func TestComponentFromFunc(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"github.com/tphakala/rxclassify/internal/imagenorm.(*Normalizer).Normalize": "imagenorm",
		"github.com/tphakala/rxclassify/internal/dispatcher.(*Dispatcher).run":      "dispatcher",
		"main.main": "main",
		"noseparator": ComponentUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, componentFromFunc(in), in)
	}
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Error at https://api.example.com?[REDACTED]",
		ScrubMessage("Error at https://api.example.com?api_key=secret123&token=abc"))
	assert.Contains(t, ScrubMessage("config error: api_key=secret123 is invalid"), "[SECRET_REDACTED]")
	assert.Equal(t, "open [PATH]: no such file",
		ScrubMessage("open /home/user/models/rx.tflite: no such file"))
}

func TestFileContext(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("read failed")).FileContext("/data/Model.TFLITE", 5*1024*1024).Build()
	ctx := ee.GetContext()
	assert.Equal(t, "tflite", ctx["file_extension"])
	assert.Equal(t, "medium", ctx["file_size_category"])
}
