package tflitemodel

import (
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tflite "github.com/tphakala/go-tflite"

	"github.com/tphakala/rxclassify/internal/errors"
)

func TestReadLabels(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/m/labels.txt", []byte("\uFEFFother\n\n  prescription \r\n\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/m/empty.txt", []byte("\n \n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/m/dupes.txt", []byte("a\nb\na\n"), 0o644))

	labels, err := ReadLabels(fs, "/m/labels.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "prescription"}, labels)

	for _, path := range []string{"/m/empty.txt", "/m/dupes.txt", "/m/missing.txt"} {
		_, err := ReadLabels(fs, path)
		require.Error(t, err, path)
		assert.True(t, errors.IsCategory(err, errors.CategoryLabelLoad), path)
	}
}

func TestLoadFailsBeforeInterpreter(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/m/labels.txt", []byte("other\nprescription\n"), 0o644))

	tests := []struct {
		name     string
		cfg      Config
		category errors.ErrorCategory
	}{
		{"missing labels", Config{ModelPath: "/m/model.tflite", LabelPath: "/m/none.txt"}, errors.CategoryLabelLoad},
		{"missing model", Config{ModelPath: "/m/model.tflite", LabelPath: "/m/labels.txt"}, errors.CategoryModelLoad},
		{"bad activation", Config{ModelPath: "/m/model.tflite", LabelPath: "/m/labels.txt", Activation: "relu"}, errors.CategoryConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := Load(tt.cfg, fs)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.IsCategory(err, tt.category))
		})
	}

	model, err := Loader(Config{ModelPath: "/m/model.tflite", LabelPath: "/m/labels.txt"}, fs)()
	require.Error(t, err)
	assert.Nil(t, model, "no typed nil behind the interface")
}

func TestParseInputSpec(t *testing.T) {
	t.Parallel()

	spec, err := parseInputSpec([]int{1, 224, 224, 3}, tflite.Float32)
	require.NoError(t, err)
	assert.Equal(t, inputSpec{width: 224, height: 224, channels: 3, dtype: tflite.Float32}, spec)

	spec, err = parseInputSpec([]int{1, 200, 300, 4}, tflite.UInt8)
	require.NoError(t, err)
	assert.Equal(t, 300, spec.width)
	assert.Equal(t, 200, spec.height)

	for name, tc := range map[string]struct {
		dims  []int
		dtype tflite.TensorType
	}{
		"rank":     {[]int{224, 224, 3}, tflite.Float32},
		"batch":    {[]int{2, 224, 224, 3}, tflite.Float32},
		"channels": {[]int{1, 224, 224, 1}, tflite.Float32},
		"empty":    {[]int{1, 0, 224, 3}, tflite.Float32},
		"type":     {[]int{1, 224, 224, 3}, tflite.Int32},
	} {
		_, err := parseInputSpec(tc.dims, tc.dtype)
		assert.Error(t, err, name)
	}
}

func TestFillTensors(t *testing.T) {
	t.Parallel()

	pix := []uint8{255, 0, 51, 128, 0, 255, 102, 7}

	f3 := make([]float32, 6)
	require.NoError(t, fillFloat32(f3, pix, 3))
	assert.InDeltaSlice(t, []float32{1, 0, 0.2, 0, 1, 0.4}, f3, 1e-6)

	f4 := make([]float32, 8)
	require.NoError(t, fillFloat32(f4, pix, 4))
	assert.InDelta(t, float32(128)/255, f4[3], 1e-6)

	u3 := make([]uint8, 6)
	require.NoError(t, fillUint8(u3, pix, 3))
	assert.Equal(t, []uint8{255, 0, 51, 0, 255, 102}, u3)

	u4 := make([]uint8, 8)
	require.NoError(t, fillUint8(u4, pix, 4))
	assert.Equal(t, pix, u4)

	assert.Error(t, fillFloat32(make([]float32, 5), pix, 3))
	assert.Error(t, fillUint8(make([]uint8, 6), pix[:7], 3))
	assert.Error(t, fillUint8(make([]uint8, 0), pix, 0))
}

func TestActivations(t *testing.T) {
	t.Parallel()

	sm := softmax([]float64{1, 2, 3})
	var sum float64
	for _, v := range sm {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Equal(t, 2, argmax(sm))

	large := softmax([]float64{1000, 1000})
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, large, 1e-12)
	for _, v := range large {
		assert.False(t, math.IsNaN(v))
	}

	sg := sigmoid([]float64{0, 100, -100})
	assert.InDelta(t, 0.5, sg[0], 1e-12)
	assert.InDelta(t, 1.0, sg[1], 1e-12)
	assert.InDelta(t, 0.0, sg[2], 1e-12)

	raw := []float64{0.1, 0.9}
	assert.Equal(t, raw, activations[ActivationNone](raw))
	assert.Empty(t, softmax(nil))
}

func TestArgmaxPrefersFirstOnTies(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, argmax([]float64{0.5, 0.5}))
	assert.Equal(t, 1, argmax([]float64{0.1, 0.7, 0.2}))
}

func TestDetermineThreadCount(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3, determineThreadCount(3))
	assert.Positive(t, determineThreadCount(0))
	assert.Positive(t, determineThreadCount(-1))
}
