package classifier

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
	"github.com/tphakala/rxclassify/internal/observability/metrics"
)

const (
	DefaultTargetLabel = "prescription"
	DefaultTopK        = 3
)

// verdictRecorder is implemented by metrics.ClassifierMetrics.
type verdictRecorder interface {
	RecordVerdict(isTarget bool, confidence float64)
}

// Classifier owns a loaded Model. After Open it is read-only and safe for
// concurrent use; Close waits for in-flight calls.
type Classifier struct {
	model    Model
	labels   []string
	target   string
	topK     int
	cacheTTL time.Duration
	cache    *cache.Cache
	recorder metrics.Recorder

	mu     sync.RWMutex
	closed bool
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTargetLabel sets the label whose probability becomes the confidence.
func WithTargetLabel(label string) Option {
	return func(c *Classifier) { c.target = label }
}

// WithTopK sets how many ranked labels each Result carries. Zero disables ranking.
func WithTopK(k int) Option {
	return func(c *Classifier) { c.topK = max(k, 0) }
}

// WithCache caches results by buffer digest for ttl. A non-positive ttl disables caching.
func WithCache(ttl time.Duration) Option {
	return func(c *Classifier) { c.cacheTTL = ttl }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Classifier) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Open runs load once and returns a Classifier around the model. The model
// must know the target label. Every failure matches ErrModelLoad and no
// Classifier is returned.
func Open(load Loader, opts ...Option) (*Classifier, error) {
	c := &Classifier{
		target:   DefaultTargetLabel,
		topK:     DefaultTopK,
		recorder: metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}

	start := time.Now()
	fail := func(cause error) (*Classifier, error) {
		c.recorder.RecordOperation(metrics.OpModelLoad, metrics.StatusError)
		c.recorder.RecordError(metrics.OpModelLoad, string(errors.CategoryModelLoad))
		return nil, errors.New(fmt.Errorf("%w: %w", ErrModelLoad, cause)).
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Context("target_label", c.target).
			Timing("model_load", time.Since(start)).
			Build()
	}

	if strings.TrimSpace(c.target) == "" {
		return fail(fmt.Errorf("target label is empty"))
	}
	if load == nil {
		return fail(fmt.Errorf("no model loader"))
	}

	model, err := safeLoad(load)
	if err != nil {
		return fail(err)
	}
	if model == nil {
		return fail(fmt.Errorf("loader returned no model"))
	}

	labels := slices.Clone(model.Labels())
	if !slices.Contains(labels, c.target) {
		_ = model.Close()
		return fail(fmt.Errorf("target label %q is not one of the %d model labels", c.target, len(labels)))
	}

	c.model = model
	c.labels = labels
	if c.cacheTTL > 0 {
		c.cache = cache.New(c.cacheTTL, 2*c.cacheTTL)
	}

	elapsed := time.Since(start)
	c.recorder.RecordOperation(metrics.OpModelLoad, metrics.StatusSuccess)
	c.recorder.RecordDuration(metrics.OpModelLoad, elapsed.Seconds())
	GetLogger().Info("model loaded",
		logger.String("target_label", c.target),
		logger.Int("labels", len(labels)),
		logger.Bool("cache", c.cache != nil),
		logger.Duration("elapsed", elapsed))

	return c, nil
}

func safeLoad(load Loader) (model Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			model, err = nil, fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	return load()
}

// TargetLabel returns the configured target label.
func (c *Classifier) TargetLabel() string {
	return c.target
}

// Labels returns a copy of the model labels.
func (c *Classifier) Labels() []string {
	return slices.Clone(c.labels)
}

// Classify runs inference synchronously. Callers must not invoke it on the
// presentation thread. Failures match ErrInferenceFailed.
func (c *Classifier) Classify(buf *imagenorm.Buffer) (Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := time.Now()
	if c.closed {
		return Result{}, c.inferenceError(fmt.Errorf("classifier is closed"), start)
	}
	if err := buf.Validate(); err != nil {
		return Result{}, c.inferenceError(fmt.Errorf("invalid input buffer: %w", err), start)
	}

	var key string
	if c.cache != nil {
		key = buf.Digest()
		if v, ok := c.cache.Get(key); ok {
			c.recorder.RecordOperation(metrics.OpInference, metrics.StatusCached)
			return v.(Result).clone(), nil
		}
	}

	pred, err := c.predict(buf)
	if err != nil {
		return Result{}, c.inferenceError(err, start)
	}
	res, err := c.mapPrediction(pred)
	if err != nil {
		return Result{}, c.inferenceError(err, start)
	}

	elapsed := time.Since(start)
	c.recorder.RecordOperation(metrics.OpInference, metrics.StatusSuccess)
	c.recorder.RecordDuration(metrics.OpInference, elapsed.Seconds())
	if vr, ok := c.recorder.(verdictRecorder); ok {
		vr.RecordVerdict(res.IsTargetClass, res.Confidence)
	}
	if c.cache != nil {
		c.cache.SetDefault(key, res.clone())
	}

	GetLogger().Debug("classified",
		logger.String("label", res.Label),
		logger.Bool("is_target", res.IsTargetClass),
		logger.Float64("confidence", res.Confidence),
		logger.Duration("elapsed", elapsed))

	return res, nil
}

// ClassifyAsync runs Classify on a new goroutine and invokes callback exactly
// once with its outcome.
func (c *Classifier) ClassifyAsync(buf *imagenorm.Buffer, callback func(Result, error)) {
	go func() {
		res, err := c.Classify(buf)
		callback(res, err)
	}()
}

func (c *Classifier) predict(buf *imagenorm.Buffer) (pred Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return c.model.Predict(buf)
}

func (c *Classifier) mapPrediction(pred Prediction) (Result, error) {
	if len(pred.Probabilities) == 0 {
		return Result{}, fmt.Errorf("model returned an empty distribution")
	}
	for label, p := range pred.Probabilities {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Result{}, fmt.Errorf("non-finite probability %v for label %q", p, label)
		}
	}

	ranked := rank(pred.Probabilities)
	top := pred.Label
	if top == "" {
		top = ranked[0].Label
	}

	res := Result{
		IsTargetClass: top == c.target,
		Confidence:    clamp01(pred.Probabilities[c.target]),
		Label:         top,
	}
	if c.topK > 0 {
		res.TopK = ranked[:min(c.topK, len(ranked))]
	}
	return res, nil
}

// rank orders labels by descending score, ties by label.
func rank(probs map[string]float64) []LabelScore {
	ranked := make([]LabelScore, 0, len(probs))
	for label, p := range probs {
		ranked = append(ranked, LabelScore{Label: label, Score: p})
	}
	slices.SortFunc(ranked, func(a, b LabelScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
	return ranked
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

func (c *Classifier) inferenceError(cause error, start time.Time) error {
	c.recorder.RecordOperation(metrics.OpInference, metrics.StatusError)
	c.recorder.RecordError(metrics.OpInference, string(errors.CategoryInference))
	return errors.New(fmt.Errorf("%w: %w", ErrInferenceFailed, cause)).
		Component("classifier").
		Category(errors.CategoryInference).
		Context("target_label", c.target).
		Timing("inference", time.Since(start)).
		Build()
}

// Close releases the model. It waits for in-flight Classify calls and is
// safe to call more than once.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cache != nil {
		c.cache.Flush()
	}
	if err := c.model.Close(); err != nil {
		return errors.New(fmt.Errorf("close model: %w", err)).
			Component("classifier").
			Category(errors.CategoryModelInit).
			Build()
	}
	GetLogger().Info("model closed")
	return nil
}
