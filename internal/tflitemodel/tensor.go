package tflitemodel

import (
	"fmt"
	"math"

	tflite "github.com/tphakala/go-tflite"

	"github.com/tphakala/rxclassify/internal/imagenorm"
)

// Output activations.
const (
	ActivationNone    = "none"
	ActivationSoftmax = "softmax"
	ActivationSigmoid = "sigmoid"
)

var activations = map[string]func([]float64) []float64{
	ActivationNone:    func(v []float64) []float64 { return v },
	ActivationSoftmax: softmax,
	ActivationSigmoid: sigmoid,
}

// inputSpec is the validated shape of an image input tensor.
type inputSpec struct {
	width    int
	height   int
	channels int
	dtype    tflite.TensorType
}

// parseInputSpec accepts NHWC tensors of shape [1,H,W,3] or [1,H,W,4] with
// float32 or uint8 elements.
func parseInputSpec(dims []int, dtype tflite.TensorType) (inputSpec, error) {
	if len(dims) != 4 || dims[0] != 1 {
		return inputSpec{}, fmt.Errorf("input tensor shape %v, want [1 H W C]", dims)
	}
	if dims[1] <= 0 || dims[2] <= 0 {
		return inputSpec{}, fmt.Errorf("input tensor shape %v has no spatial size", dims)
	}
	if dims[3] != 3 && dims[3] != 4 {
		return inputSpec{}, fmt.Errorf("input tensor has %d channels, want 3 or 4", dims[3])
	}
	switch dtype {
	case tflite.Float32, tflite.UInt8:
	default:
		return inputSpec{}, fmt.Errorf("unsupported input tensor type %s", typeName(dtype))
	}
	return inputSpec{height: dims[1], width: dims[2], channels: dims[3], dtype: dtype}, nil
}

func typeName(t tflite.TensorType) string {
	switch t {
	case tflite.Float32:
		return "float32"
	case tflite.UInt8:
		return "uint8"
	case tflite.Int8:
		return "int8"
	case tflite.Int32:
		return "int32"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// fillFloat32 writes pix scaled to [0,1] into dst, keeping the first
// channels components of every pixel.
func fillFloat32(dst []float32, pix []uint8, channels int) error {
	if err := checkFill(len(dst), len(pix), channels); err != nil {
		return err
	}
	j := 0
	for i := 0; i < len(pix); i += imagenorm.Channels {
		for c := range channels {
			dst[j] = float32(pix[i+c]) / 255
			j++
		}
	}
	return nil
}

// fillUint8 is fillFloat32 for quantized models.
func fillUint8(dst []uint8, pix []uint8, channels int) error {
	if err := checkFill(len(dst), len(pix), channels); err != nil {
		return err
	}
	if channels == imagenorm.Channels {
		copy(dst, pix)
		return nil
	}
	j := 0
	for i := 0; i < len(pix); i += imagenorm.Channels {
		copy(dst[j:j+channels], pix[i:i+channels])
		j += channels
	}
	return nil
}

func checkFill(dstLen, pixLen, channels int) error {
	if channels < 1 || channels > imagenorm.Channels {
		return fmt.Errorf("invalid channel count %d", channels)
	}
	if pixLen%imagenorm.Channels != 0 {
		return fmt.Errorf("pixel data length %d is not a multiple of %d", pixLen, imagenorm.Channels)
	}
	if want := pixLen / imagenorm.Channels * channels; dstLen != want {
		return fmt.Errorf("input tensor holds %d elements, buffer provides %d", dstLen, want)
	}
	return nil
}

func softmax(v []float64) []float64 {
	out := make([]float64, len(v))
	if len(v) == 0 {
		return out
	}
	maxV := v[0]
	for _, x := range v[1:] {
		maxV = math.Max(maxV, x)
	}
	var sum float64
	for i, x := range v {
		out[i] = math.Exp(x - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sigmoid(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = 1 / (1 + math.Exp(-x))
	}
	return out
}

// argmax returns the index of the largest value, the first one on ties.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
