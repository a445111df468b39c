// Package tflitemodel runs image classification models with TensorFlow Lite.
package tflitemodel

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/afero"
	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
)

// Config selects the model artifact and interpreter settings.
type Config struct {
	ModelPath  string
	LabelPath  string
	Threads    int    // 0 = physical core count
	UseXNNPACK bool
	Activation string // none, softmax or sigmoid
}

// Info describes a loaded model.
type Info struct {
	ModelPath     string `json:"model_path"`
	InputWidth    int    `json:"input_width"`
	InputHeight   int    `json:"input_height"`
	InputChannels int    `json:"input_channels"`
	InputType     string `json:"input_type"`
	OutputType    string `json:"output_type"`
	Labels        int    `json:"labels"`
	Threads       int    `json:"threads"`
	XNNPACK       bool   `json:"xnnpack"`
	Activation    string `json:"activation"`
}

// Model is a TensorFlow Lite image classifier. It implements classifier.Model.
type Model struct {
	mu          sync.Mutex
	model       *tflite.Model
	interpreter *tflite.Interpreter
	delegate    delegates.Delegater

	labels     []string
	activation string
	input      inputSpec
	outputType tflite.TensorType
	info       Info
}

var _ classifier.Model = (*Model)(nil)

// Load reads the labels and the model through fs and prepares an interpreter.
func Load(cfg Config, fs afero.Fs) (*Model, error) {
	start := time.Now()
	log := GetLogger()

	if cfg.Activation == "" {
		cfg.Activation = ActivationNone
	}
	if _, ok := activations[cfg.Activation]; !ok {
		return nil, errors.Newf("unknown output activation %q", cfg.Activation).
			Component("tflitemodel").
			Category(errors.CategoryConfiguration).
			Build()
	}

	labels, err := ReadLabels(fs, cfg.LabelPath)
	if err != nil {
		return nil, err
	}

	modelData, err := afero.ReadFile(fs, cfg.ModelPath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read model file: %w", err)).
			Component("tflitemodel").
			Category(errors.CategoryModelLoad).
			FileContext(cfg.ModelPath, 0).
			Timing("model-load", time.Since(start)).
			Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, errors.Newf("cannot load TensorFlow Lite model").
			Component("tflitemodel").
			Category(errors.CategoryModelInit).
			FileContext(cfg.ModelPath, int64(len(modelData))).
			Timing("model-init", time.Since(start)).
			Build()
	}

	threads := determineThreadCount(cfg.Threads)
	options := tflite.NewInterpreterOptions()
	defer options.Delete()

	var delegate delegates.Delegater
	if cfg.UseXNNPACK {
		delegate = xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: thread count bounded by CPU count
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}

	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	m := &Model{
		model:      model,
		delegate:   delegate,
		labels:     labels,
		activation: cfg.Activation,
	}

	m.interpreter = tflite.NewInterpreter(model, options)
	if m.interpreter == nil {
		m.release()
		return nil, initError(cfg.ModelPath, fmt.Errorf("cannot create interpreter"), start)
	}
	if status := m.interpreter.AllocateTensors(); status != tflite.OK {
		m.release()
		return nil, initError(cfg.ModelPath, fmt.Errorf("tensor allocation failed"), start)
	}

	if err := m.inspectTensors(); err != nil {
		m.release()
		return nil, initError(cfg.ModelPath, err, start)
	}

	m.info = Info{
		ModelPath:     cfg.ModelPath,
		InputWidth:    m.input.width,
		InputHeight:   m.input.height,
		InputChannels: m.input.channels,
		InputType:     typeName(m.input.dtype),
		OutputType:    typeName(m.outputType),
		Labels:        len(labels),
		Threads:       threads,
		XNNPACK:       delegate != nil,
		Activation:    cfg.Activation,
	}

	log.Info("TFLite model initialized",
		logger.String("model", cfg.ModelPath),
		logger.Int("labels", len(labels)),
		logger.Int("input_width", m.input.width),
		logger.Int("input_height", m.input.height),
		logger.String("input_type", m.info.InputType),
		logger.Int("threads", threads),
		logger.Bool("xnnpack", delegate != nil),
		logger.Duration("elapsed", time.Since(start)))

	return m, nil
}

// Loader adapts Load to classifier.Loader.
func Loader(cfg Config, fs afero.Fs) classifier.Loader {
	return func() (classifier.Model, error) {
		m, err := Load(cfg, fs)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (m *Model) inspectTensors() error {
	if n := m.interpreter.GetInputTensorCount(); n != 1 {
		return fmt.Errorf("model has %d input tensors, want 1", n)
	}
	in := m.interpreter.GetInputTensor(0)
	dims := make([]int, in.NumDims())
	for i := range dims {
		dims[i] = in.Dim(i)
	}
	spec, err := parseInputSpec(dims, in.Type())
	if err != nil {
		return err
	}
	m.input = spec

	out := m.interpreter.GetOutputTensor(0)
	if out == nil {
		return fmt.Errorf("model has no output tensor")
	}
	switch out.Type() {
	case tflite.Float32, tflite.UInt8:
	default:
		return fmt.Errorf("unsupported output tensor type %s", typeName(out.Type()))
	}
	m.outputType = out.Type()

	size := 1
	for i := range out.NumDims() {
		size *= out.Dim(i)
	}
	if size != len(m.labels) {
		return fmt.Errorf("model outputs %d classes but label file has %d labels", size, len(m.labels))
	}
	return nil
}

// Predict runs the model on buf and returns the argmax label with the full
// distribution after activation.
func (m *Model) Predict(buf *imagenorm.Buffer) (classifier.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interpreter == nil {
		return classifier.Prediction{}, fmt.Errorf("model is closed")
	}
	if err := buf.Validate(); err != nil {
		return classifier.Prediction{}, err
	}
	if buf.Width != m.input.width || buf.Height != m.input.height {
		return classifier.Prediction{}, fmt.Errorf("buffer is %dx%d, model expects %dx%d",
			buf.Width, buf.Height, m.input.width, m.input.height)
	}

	in := m.interpreter.GetInputTensor(0)
	var err error
	switch m.input.dtype {
	case tflite.Float32:
		err = fillFloat32(in.Float32s(), buf.Pix, m.input.channels)
	case tflite.UInt8:
		err = fillUint8(in.UInt8s(), buf.Pix, m.input.channels)
	}
	if err != nil {
		return classifier.Prediction{}, err
	}

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return classifier.Prediction{}, fmt.Errorf("tensor invoke failed: %v", status)
	}

	out := m.interpreter.GetOutputTensor(0)
	raw := make([]float64, len(m.labels))
	switch m.outputType {
	case tflite.Float32:
		for i, v := range out.Float32s()[:len(raw)] {
			raw[i] = float64(v)
		}
	case tflite.UInt8:
		for i, v := range out.UInt8s()[:len(raw)] {
			raw[i] = float64(v) / 255
		}
	}

	probs := activations[m.activation](raw)
	dist := make(map[string]float64, len(probs))
	for i, p := range probs {
		dist[m.labels[i]] = p
	}
	return classifier.Prediction{Label: m.labels[argmax(probs)], Probabilities: dist}, nil
}

// Labels returns a copy of the label list.
func (m *Model) Labels() []string {
	return append([]string(nil), m.labels...)
}

// Info describes the loaded model.
func (m *Model) Info() Info {
	return m.info
}

// InputSize returns the width and height the model expects.
func (m *Model) InputSize() (width, height int) {
	return m.input.width, m.input.height
}

// Close releases the interpreter, delegate and model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release()
	return nil
}

func (m *Model) release() {
	if m.interpreter != nil {
		m.interpreter.Delete()
		m.interpreter = nil
	}
	if m.delegate != nil {
		m.delegate.Delete()
		m.delegate = nil
	}
	if m.model != nil {
		m.model.Delete()
		m.model = nil
	}
}

// determineThreadCount returns configured when positive, else the number of
// physical cores.
func determineThreadCount(configured int) int {
	if configured > 0 {
		return configured
	}
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return cores
	}
	return runtime.NumCPU()
}

func initError(path string, cause error, start time.Time) error {
	return errors.New(cause).
		Component("tflitemodel").
		Category(errors.CategoryModelInit).
		FileContext(path, 0).
		Timing("model-init", time.Since(start)).
		Build()
}
