package classifier

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/observability/metrics"
)

type fakeModel struct {
	labels   []string
	pred     Prediction
	err      error
	panicMsg string

	calls    atomic.Int32
	closures atomic.Int32
}

func (m *fakeModel) Predict(*imagenorm.Buffer) (Prediction, error) {
	m.calls.Add(1)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return Prediction{}, m.err
	}
	probs := make(map[string]float64, len(m.pred.Probabilities))
	for k, v := range m.pred.Probabilities {
		probs[k] = v
	}
	return Prediction{Label: m.pred.Label, Probabilities: probs}, nil
}

func (m *fakeModel) Labels() []string { return m.labels }

func (m *fakeModel) Close() error {
	m.closures.Add(1)
	return nil
}

func prescriptionModel(pred Prediction) *fakeModel {
	return &fakeModel{labels: []string{"other", "prescription"}, pred: pred}
}

func loaderFor(m Model) Loader {
	return func() (Model, error) { return m, nil }
}

func testBuffer(fill uint8) *imagenorm.Buffer {
	pix := make([]uint8, 2*2*imagenorm.Channels)
	for i := range pix {
		pix[i] = fill
	}
	return &imagenorm.Buffer{Width: 2, Height: 2, Layout: imagenorm.LayoutRGBA, Pix: pix}
}

func openClassifier(t *testing.T, m Model, opts ...Option) *Classifier {
	t.Helper()
	c, err := Open(loaderFor(m), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("model file not found")
	var loads atomic.Int32

	tests := []struct {
		name   string
		loader Loader
		opts   []Option
	}{
		{"loader error", func() (Model, error) { loads.Add(1); return nil, cause }, nil},
		{"nil loader", nil, nil},
		{"nil model", func() (Model, error) { return nil, nil }, nil},
		{"loader panic", func() (Model, error) { panic("corrupt flatbuffer") }, nil},
		{"empty target", loaderFor(prescriptionModel(Prediction{})), []Option{WithTargetLabel(" ")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Open(tt.loader, tt.opts...)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.ErrorIs(t, err, ErrModelLoad)
			assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
		})
	}

	_, err := Open(func() (Model, error) { loads.Add(1); return nil, cause })
	require.ErrorIs(t, err, cause)
	assert.GreaterOrEqual(t, loads.Load(), int32(1))
}

func TestOpenRejectsUnknownTargetAndClosesModel(t *testing.T) {
	t.Parallel()

	m := prescriptionModel(Prediction{})
	rec := metrics.NewTestRecorder()

	c, err := Open(loaderFor(m), WithTargetLabel("invoice"), WithRecorder(rec))
	require.ErrorIs(t, err, ErrModelLoad)
	assert.Nil(t, c)
	assert.Equal(t, int32(1), m.closures.Load())
	assert.Zero(t, m.calls.Load(), "no classification after a failed load")
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpModelLoad, metrics.StatusError))
}

func TestClassifyMapsDistribution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		target     string
		pred       Prediction
		wantTarget bool
		wantConf   float64
		wantLabel  string
	}{
		{
			name:       "prescription photo",
			pred:       Prediction{Label: "prescription", Probabilities: map[string]float64{"prescription": 0.92, "other": 0.08}},
			wantTarget: true, wantConf: 0.92, wantLabel: "prescription",
		},
		{
			name:       "top label differs from target",
			pred:       Prediction{Label: "other", Probabilities: map[string]float64{"prescription": 0.3, "other": 0.7}},
			wantTarget: false, wantConf: 0.3, wantLabel: "other",
		},
		{
			name:       "argmax when model omits label",
			pred:       Prediction{Probabilities: map[string]float64{"prescription": 0.6, "other": 0.4}},
			wantTarget: true, wantConf: 0.6, wantLabel: "prescription",
		},
		{
			name:       "target missing from distribution",
			pred:       Prediction{Label: "other", Probabilities: map[string]float64{"other": 1}},
			wantTarget: false, wantConf: 0, wantLabel: "other",
		},
		{
			name:       "clamped above one",
			pred:       Prediction{Label: "prescription", Probabilities: map[string]float64{"prescription": 1.2}},
			wantTarget: true, wantConf: 1, wantLabel: "prescription",
		},
		{
			name:       "clamped below zero",
			pred:       Prediction{Label: "other", Probabilities: map[string]float64{"prescription": -0.1, "other": 0.9}},
			wantTarget: false, wantConf: 0, wantLabel: "other",
		},
		{
			name:       "configured target",
			target:     "other",
			pred:       Prediction{Label: "other", Probabilities: map[string]float64{"prescription": 0.25, "other": 0.75}},
			wantTarget: true, wantConf: 0.75, wantLabel: "other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []Option
			if tt.target != "" {
				opts = append(opts, WithTargetLabel(tt.target))
			}
			c := openClassifier(t, prescriptionModel(tt.pred), opts...)

			res, err := c.Classify(testBuffer(0))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTarget, res.IsTargetClass)
			assert.InDelta(t, tt.wantConf, res.Confidence, 1e-9)
			assert.Equal(t, tt.wantLabel, res.Label)
			assert.GreaterOrEqual(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
		})
	}
}

func TestClassifyInferenceFailures(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("tensor allocation failed")
	tests := []struct {
		name  string
		model *fakeModel
		buf   *imagenorm.Buffer
		calls int32
	}{
		{"model error", &fakeModel{labels: []string{"prescription"}, err: cause}, testBuffer(0), 1},
		{"model panic", &fakeModel{labels: []string{"prescription"}, panicMsg: "invoke"}, testBuffer(0), 1},
		{"NaN probability", prescriptionModel(Prediction{Probabilities: map[string]float64{"prescription": math.NaN()}}), testBuffer(0), 1},
		{"Inf probability", prescriptionModel(Prediction{Probabilities: map[string]float64{"other": math.Inf(1)}}), testBuffer(0), 1},
		{"empty distribution", prescriptionModel(Prediction{Label: "prescription"}), testBuffer(0), 1},
		{"invalid buffer", prescriptionModel(Prediction{}), &imagenorm.Buffer{Width: 2, Height: 2, Layout: imagenorm.LayoutRGBA}, 0},
		{"nil buffer", prescriptionModel(Prediction{}), nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := metrics.NewTestRecorder()
			c := openClassifier(t, tt.model, WithRecorder(rec))

			res, err := c.Classify(tt.buf)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInferenceFailed)
			assert.Equal(t, Result{}, res)
			assert.Equal(t, tt.calls, tt.model.calls.Load())
			assert.Equal(t, 1, rec.GetErrorCount(metrics.OpInference, string(errors.CategoryInference)))
		})
	}

	c := openClassifier(t, &fakeModel{labels: []string{"prescription"}, err: cause})
	_, err := c.Classify(testBuffer(0))
	assert.ErrorIs(t, err, cause, "cause stays reachable")
}

func TestClassifyIsIdempotent(t *testing.T) {
	t.Parallel()

	m := prescriptionModel(Prediction{Label: "prescription", Probabilities: map[string]float64{"prescription": 0.92, "other": 0.08}})
	c := openClassifier(t, m)

	buf := testBuffer(7)
	first, err := c.Classify(buf)
	require.NoError(t, err)
	second, err := c.Classify(buf)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestClassifyCache(t *testing.T) {
	t.Parallel()

	m := prescriptionModel(Prediction{Label: "prescription", Probabilities: map[string]float64{"prescription": 0.8, "other": 0.2}})
	rec := metrics.NewTestRecorder()
	c := openClassifier(t, m, WithCache(time.Minute), WithRecorder(rec))

	first, err := c.Classify(testBuffer(1))
	require.NoError(t, err)
	first.TopK[0].Score = -1

	second, err := c.Classify(testBuffer(1))
	require.NoError(t, err)
	assert.Equal(t, int32(1), m.calls.Load(), "identical buffer served from cache")
	assert.InDelta(t, 0.8, second.TopK[0].Score, 1e-9, "cached result is not aliased")
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpInference, metrics.StatusCached))

	_, err = c.Classify(testBuffer(2))
	require.NoError(t, err)
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestClassifyTopK(t *testing.T) {
	t.Parallel()

	probs := map[string]float64{"prescription": 0.5, "receipt": 0.2, "letter": 0.2, "other": 0.1}
	m := &fakeModel{labels: []string{"prescription", "receipt", "letter", "other"}, pred: Prediction{Probabilities: probs}}

	res, err := openClassifier(t, m).Classify(testBuffer(0))
	require.NoError(t, err)
	assert.Equal(t, []LabelScore{
		{Label: "prescription", Score: 0.5},
		{Label: "letter", Score: 0.2},
		{Label: "receipt", Score: 0.2},
	}, res.TopK)

	res, err = openClassifier(t, m, WithTopK(0)).Classify(testBuffer(0))
	require.NoError(t, err)
	assert.Nil(t, res.TopK)

	res, err = openClassifier(t, m, WithTopK(10)).Classify(testBuffer(0))
	require.NoError(t, err)
	assert.Len(t, res.TopK, 4)
}

func TestClassifyAsyncCallsBackOnce(t *testing.T) {
	t.Parallel()

	c := openClassifier(t, prescriptionModel(Prediction{Label: "prescription", Probabilities: map[string]float64{"prescription": 0.9}}))

	var (
		mu    sync.Mutex
		calls int
		got   Result
	)
	done := make(chan struct{})
	c.ClassifyAsync(testBuffer(0), func(res Result, err error) {
		mu.Lock()
		calls++
		got = res
		mu.Unlock()
		assert.NoError(t, err)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.True(t, got.IsTargetClass)
}

func TestCloseIsIdempotentAndStopsClassification(t *testing.T) {
	t.Parallel()

	m := prescriptionModel(Prediction{Label: "prescription", Probabilities: map[string]float64{"prescription": 1}})
	c, err := Open(loaderFor(m))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), m.closures.Load())

	_, err = c.Classify(testBuffer(0))
	assert.ErrorIs(t, err, ErrInferenceFailed)
	assert.Zero(t, m.calls.Load())
}

func TestRecorderAndAccessors(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	c := openClassifier(t, prescriptionModel(Prediction{Label: "other", Probabilities: map[string]float64{"other": 1}}), WithRecorder(rec))

	assert.Equal(t, DefaultTargetLabel, c.TargetLabel())
	labels := c.Labels()
	labels[0] = "mutated"
	assert.Equal(t, []string{"other", "prescription"}, c.Labels())

	_, err := c.Classify(testBuffer(0))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpModelLoad, metrics.StatusSuccess))
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpInference, metrics.StatusSuccess))
	assert.Len(t, rec.GetDurations(metrics.OpInference), 1)
}
