// Package pipeline assembles the normalizer, classifier and dispatcher from
// settings. Front ends build one Pipeline at startup and close it on exit.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
	"github.com/tphakala/rxclassify/internal/observability"
	"github.com/tphakala/rxclassify/internal/observability/metrics"
	"github.com/tphakala/rxclassify/internal/tflitemodel"
)

var (
	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the pipeline module logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("pipeline")
	})
	return pkgLogger
}

// inputSizer is implemented by models with a fixed input resolution.
type inputSizer interface {
	InputSize() (width, height int)
}

// Pipeline owns the classifier handle and the dispatcher driving it.
type Pipeline struct {
	Normalizer *imagenorm.Normalizer
	Classifier *classifier.Classifier
	Dispatcher *dispatcher.Dispatcher

	modelInfo any
	metrics   *observability.Metrics
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	fs         afero.Fs
	presenter  dispatcher.Executor
	metrics    *observability.Metrics
	loader     classifier.Loader
	transition dispatcher.TransitionFunc
}

// Option configures Build.
type Option func(*options)

// WithFs sets the filesystem model and label files are read from.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithPresenter sets the executor outcomes are delivered on.
func WithPresenter(p dispatcher.Executor) Option {
	return func(o *options) { o.presenter = p }
}

// WithMetrics records classifier and dispatcher metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLoader replaces the TensorFlow Lite loader.
func WithLoader(load classifier.Loader) Option {
	return func(o *options) { o.loader = load }
}

// WithTransitionHook observes request state changes.
func WithTransitionHook(fn dispatcher.TransitionFunc) Option {
	return func(o *options) { o.transition = fn }
}

// Build loads the model and wires the pipeline. A presenter is required.
// The model is released again when any later step fails.
func Build(settings *conf.Settings, opts ...Option) (*Pipeline, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.presenter == nil {
		return nil, configError(fmt.Errorf("no presentation executor"))
	}

	var recorder metrics.Recorder = metrics.NopRecorder{}
	if o.metrics != nil && o.metrics.Classifier != nil {
		recorder = o.metrics.Classifier
	}

	norm, err := imagenorm.New(
		imagenorm.WithSize(settings.Image.Width, settings.Image.Height),
		imagenorm.WithLayout(settings.Image.Layout),
		imagenorm.WithFilter(settings.Image.Filter),
		imagenorm.WithLimits(imagenorm.Limits{
			MaxBytes:  settings.Image.MaxBytes,
			MaxPixels: settings.Image.MaxPixels,
		}),
	)
	if err != nil {
		return nil, err
	}

	load := o.loader
	if load == nil {
		load = tflitemodel.Loader(ModelConfig(settings), o.fs)
	}
	var model classifier.Model
	capture := func() (classifier.Model, error) {
		m, err := load()
		model = m
		return m, err
	}

	clfOpts := []classifier.Option{
		classifier.WithTargetLabel(settings.Classifier.TargetLabel),
		classifier.WithTopK(settings.Classifier.TopK),
		classifier.WithRecorder(recorder),
	}
	if settings.Classifier.Cache.Enabled {
		clfOpts = append(clfOpts, classifier.WithCache(settings.Classifier.Cache.TTL))
	}

	clf, err := classifier.Open(capture, clfOpts...)
	if err != nil {
		return nil, err
	}

	if sized, ok := model.(inputSizer); ok {
		w, h := sized.InputSize()
		nw, nh := norm.Size()
		if w != nw || h != nh {
			_ = clf.Close()
			return nil, configError(fmt.Errorf("model expects %dx%d input but images are normalized to %dx%d", w, h, nw, nh))
		}
	}

	overlap, err := dispatcher.ParseOverlap(settings.Dispatcher.Overlap)
	if err != nil {
		_ = clf.Close()
		return nil, configError(err)
	}

	dispOpts := []dispatcher.Option{
		dispatcher.WithWorkers(settings.Dispatcher.Workers),
		dispatcher.WithQueueSize(settings.Dispatcher.QueueSize),
		dispatcher.WithOverlap(overlap),
		dispatcher.WithRecorder(recorder),
	}
	if o.transition != nil {
		dispOpts = append(dispOpts, dispatcher.WithTransitionHook(o.transition))
	}
	disp, err := dispatcher.New(norm, clf, o.presenter, dispOpts...)
	if err != nil {
		_ = clf.Close()
		return nil, err
	}

	p := &Pipeline{
		Normalizer: norm,
		Classifier: clf,
		Dispatcher: disp,
		metrics:    o.metrics,
	}
	if tm, ok := model.(*tflitemodel.Model); ok {
		p.modelInfo = tm.Info()
	} else {
		p.modelInfo = map[string]any{"labels": len(clf.Labels())}
	}
	if o.metrics != nil && o.metrics.Classifier != nil {
		o.metrics.Classifier.SetModelLoaded(true)
	}

	GetLogger().Info("pipeline ready",
		logger.String("target_label", clf.TargetLabel()),
		logger.String("overlap", string(overlap)),
		logger.Int("workers", settings.Dispatcher.Workers),
		logger.Int("queue_size", settings.Dispatcher.QueueSize))

	return p, nil
}

// ModelConfig translates model settings into a tflitemodel.Config.
func ModelConfig(settings *conf.Settings) tflitemodel.Config {
	return tflitemodel.Config{
		ModelPath:  settings.Model.Path,
		LabelPath:  settings.Model.LabelPath,
		Threads:    settings.Model.Threads,
		UseXNNPACK: settings.Model.UseXNNPACK,
		Activation: settings.Model.Activation,
	}
}

// ModelInfo describes the loaded model for health and CLI output.
func (p *Pipeline) ModelInfo() any {
	return p.modelInfo
}

// Close stops the dispatcher, completing queued requests, then releases the
// model. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.Dispatcher.Close(), p.Classifier.Close())
		if p.metrics != nil && p.metrics.Classifier != nil {
			p.metrics.Classifier.SetModelLoaded(false)
		}
		GetLogger().Debug("pipeline closed")
	})
	return p.closeErr
}

func configError(cause error) error {
	return errors.New(cause).
		Component("pipeline").
		Category(errors.CategoryConfiguration).
		Build()
}
