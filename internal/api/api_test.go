package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/rxclassify/internal/buildinfo"
	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/observability"
	rxtest "github.com/tphakala/rxclassify/internal/testutil"
)

// fakeDispatcher completes each submission with respond's outcome on a
// separate goroutine. A nil respond never completes.
type fakeDispatcher struct {
	respond   func() dispatcher.Outcome
	submitted atomic.Int32
}

func (f *fakeDispatcher) Submit(_ imagenorm.Source, sink func(dispatcher.Outcome)) string {
	id := fmt.Sprintf("req-%d", f.submitted.Add(1))
	if f.respond != nil {
		out := f.respond()
		out.RequestID = id
		go sink(out)
	}
	return id
}

func (f *fakeDispatcher) Pending() int                { return 2 }
func (f *fakeDispatcher) Overlap() dispatcher.Overlap { return dispatcher.OverlapQueue }

func succeed() dispatcher.Outcome {
	return dispatcher.Outcome{
		Result: classifier.Result{
			IsTargetClass: true,
			Confidence:    0.93,
			Label:         "prescription",
			TopK:          []classifier.LabelScore{{Label: "prescription", Score: 0.93}},
		},
		Stage:   dispatcher.StateClassifying,
		Elapsed: 2 * time.Millisecond,
	}
}

func fail(err error, stage dispatcher.State) func() dispatcher.Outcome {
	return func() dispatcher.Outcome {
		return dispatcher.Outcome{Err: err, Stage: stage}
	}
}

func testSettings() *conf.Settings {
	return &conf.Settings{
		Main:       conf.MainSettings{Name: "rx-test"},
		Classifier: conf.ClassifierSettings{TargetLabel: "prescription"},
		WebServer:  conf.WebServerSettings{Listen: "127.0.0.1:0", Timeout: time.Second},
	}
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	s, err := New(testSettings(), opts...)
	require.NoError(t, err)
	s.memStats = func() (*MemoryStats, error) {
		return &MemoryStats{TotalBytes: 8 << 30, AvailableBytes: 4 << 30, UsedPercent: 50}, nil
	}
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func rawRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/classify", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "image/png")
	return req
}

func multipartRequest(t *testing.T, field string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, "scan.png")
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/classify", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	return rxtest.GradientPNG(t, 32, 24)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestClassifySuccess(t *testing.T) {
	t.Parallel()

	var hooked atomic.Int32
	s := newTestServer(t,
		WithDispatcher(&fakeDispatcher{respond: succeed}),
		WithOutcomeHook(func(dispatcher.Outcome) { hooked.Add(1) }))

	for name, req := range map[string]*http.Request{
		"raw body":  rawRequest([]byte("png-bytes")),
		"multipart": multipartRequest(t, ImageFormField, []byte("png-bytes")),
	} {
		rec := serve(s, req)
		require.Equal(t, http.StatusOK, rec.Code, name)

		var resp ClassifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), name)
		assert.NotEmpty(t, resp.RequestID, name)
		assert.True(t, resp.IsTargetClass, name)
		assert.InDelta(t, 0.93, resp.Confidence, 1e-9, name)
		assert.Equal(t, "prescription", resp.Label, name)
		assert.Len(t, resp.TopK, 1, name)
		assert.InDelta(t, 2.0, resp.ElapsedMs, 1e-9, name)
		assert.Contains(t, resp.Message, "Matched", name)
	}

	assert.Eventually(t, func() bool { return hooked.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestClassifyRejectsMissingImage(t *testing.T) {
	t.Parallel()

	fake := &fakeDispatcher{respond: succeed}
	s := newTestServer(t, WithDispatcher(fake))

	rec := serve(s, rawRequest(nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, multipartRequest(t, "file", []byte("png-bytes")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.NotEmpty(t, resp.CorrelationID)

	assert.Zero(t, fake.submitted.Load(), "nothing reaches the dispatcher")
}

func TestClassifyFailureStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		stage      dispatcher.State
		wantStatus int
		wantRetry  bool
	}{
		{"conversion", fmt.Errorf("%w: bad header", imagenorm.ErrConversionFailed), dispatcher.StateNormalizing, http.StatusUnprocessableEntity, false},
		{"inference", fmt.Errorf("%w: invoke", classifier.ErrInferenceFailed), dispatcher.StateClassifying, http.StatusInternalServerError, false},
		{"queue full", dispatcher.ErrQueueFull, dispatcher.StateIdle, http.StatusServiceUnavailable, true},
		{"superseded", dispatcher.ErrSuperseded, dispatcher.StateNormalizing, http.StatusConflict, false},
		{"closed", dispatcher.ErrClosed, dispatcher.StateIdle, http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, WithDispatcher(&fakeDispatcher{respond: fail(tt.err, tt.stage)}))
			rec := serve(s, rawRequest([]byte("data")))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After") != "")

			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantStatus, resp.Code)
			assert.Equal(t, "req-1", resp.CorrelationID, "request ID doubles as correlation ID")
			assert.Equal(t, dispatcher.Outcome{Err: tt.err}.Message(), resp.Message)
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromSettings(testSettings())
	cfg.RequestTimeout = 20 * time.Millisecond
	s := newTestServer(t, WithDispatcher(&fakeDispatcher{}), WithConfig(cfg))

	rec := serve(s, rawRequest([]byte("data")))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "req-1", decodeError(t, rec).CorrelationID)
}

func TestClassifyWithoutDispatcher(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := serve(s, rawRequest([]byte("data")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestClassifyThroughDispatcher(t *testing.T) {
	t.Parallel()

	norm, err := imagenorm.New()
	require.NoError(t, err)

	var classified atomic.Int32
	clf := classifierFunc(func(buf *imagenorm.Buffer) (classifier.Result, error) {
		classified.Add(1)
		if len(buf.Pix) != 224*224*4 {
			return classifier.Result{}, fmt.Errorf("unexpected buffer size %d", len(buf.Pix))
		}
		return classifier.Result{Confidence: 0.12, Label: "other"}, nil
	})

	inline := dispatcher.ExecutorFunc(func(task func()) { task() })
	d, err := dispatcher.New(norm, clf, inline)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := newTestServer(t, WithDispatcher(d))

	rec := serve(s, multipartRequest(t, ImageFormField, pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsTargetClass)
	assert.Equal(t, "other", resp.Label)

	rec = serve(s, rawRequest([]byte("definitely not an image")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int32(1), classified.Load(), "undecodable input never reaches the classifier")
}

type classifierFunc func(*imagenorm.Buffer) (classifier.Result, error)

func (f classifierFunc) Classify(buf *imagenorm.Buffer) (classifier.Result, error) { return f(buf) }

func TestHealth(t *testing.T) {
	t.Parallel()

	info := map[string]any{"labels": 2, "input_width": 224}
	s := newTestServer(t,
		WithDispatcher(&fakeDispatcher{}),
		WithModelInfo(info),
		WithBuildInfo(buildinfo.NewContext("1.4.0", "2026-10-01")))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "rx-test", health.Name)
	assert.Equal(t, "1.4.0", health.Version)
	assert.Equal(t, "prescription", health.TargetLabel)
	assert.Equal(t, "queue", health.Overlap)
	assert.Equal(t, 2, health.Pending)
	assert.NotEmpty(t, health.Timestamp)
	require.NotNil(t, health.Memory)
	assert.Equal(t, uint64(8<<30), health.Memory.TotalBytes)

	model, ok := health.Model.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 2.0, model["labels"], 0)
}

func TestHealthSurvivesMemoryStatsFailure(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, WithDispatcher(&fakeDispatcher{}))
	s.memStats = func() (*MemoryStats, error) { return nil, fmt.Errorf("no procfs") }

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "memory")
}

func TestMetricsEndpointAndRequestMetrics(t *testing.T) {
	t.Parallel()

	m, err := observability.NewMetrics()
	require.NoError(t, err)
	s := newTestServer(t, WithDispatcher(&fakeDispatcher{respond: succeed}), WithMetrics(m))

	require.Equal(t, http.StatusOK, serve(s, rawRequest([]byte("data"))).Code)

	assert.InDelta(t, 1.0,
		testutil.ToFloat64(m.HTTP.RequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/classify", "200")), 0)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rxclassify_http_requests_total")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	m, err := observability.NewMetrics()
	require.NoError(t, err)

	cfg := ConfigFromSettings(testSettings())
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	s := newTestServer(t, WithDispatcher(&fakeDispatcher{respond: succeed}), WithConfig(cfg), WithMetrics(m))

	assert.Equal(t, http.StatusOK, serve(s, rawRequest([]byte("data"))).Code)

	rec := serve(s, rawRequest([]byte("data")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.HTTP.RateLimited), 0)

	other := rawRequest([]byte("data"))
	other.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, http.StatusOK, serve(s, other).Code, "limits are per client")

	// Health is never limited.
	assert.Equal(t, http.StatusOK, serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)).Code)
}

func TestRateLimiterConcurrentClients(t *testing.T) {
	t.Parallel()

	l := newRateLimiter(1000, 5)
	var wg sync.WaitGroup
	var allowed atomic.Int32
	for range 20 {
		wg.Go(func() {
			if l.allow("203.0.113.1") {
				allowed.Add(1)
			}
		})
	}
	wg.Wait()
	assert.GreaterOrEqual(t, allowed.Load(), int32(5))
	assert.Equal(t, 1, l.clients.ItemCount(), "one bucket per client")
}

func TestErrorFormatForEchoErrors(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromSettings(testSettings())
	cfg.BodyLimit = "1K"
	s := newTestServer(t, WithDispatcher(&fakeDispatcher{respond: succeed}), WithConfig(cfg))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decodeError(t, rec).Code)

	rec = serve(s, rawRequest([]byte(strings.Repeat("x", 4096))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, decodeError(t, rec).Code)
}

func TestNewErrorResponseScrubsPaths(t *testing.T) {
	t.Parallel()

	resp := NewErrorResponse(fmt.Errorf("open /home/alice/rx.png: denied"), "failed", http.StatusInternalServerError, "")
	assert.NotContains(t, resp.Error, "alice")
	assert.Len(t, resp.CorrelationID, 8)

	resp = NewErrorResponse(nil, "failed", http.StatusBadRequest, "abc")
	assert.Equal(t, "failed", resp.Error)
	assert.Equal(t, "abc", resp.CorrelationID)
}

func TestConfig(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.Image.MaxBytes = 1 << 20
	settings.WebServer.RateLimit = 5
	settings.WebServer.Burst = 10
	settings.WebServer.Timeout = 90 * time.Second

	cfg := ConfigFromSettings(settings)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "1088K", cfg.BodyLimit)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	assert.Greater(t, cfg.WriteTimeout, cfg.RequestTimeout)

	cfg.Burst = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Listen = ""
	require.Error(t, cfg.Validate())

	_, err := New(testSettings(), WithConfig(cfg))
	require.Error(t, err)
}
