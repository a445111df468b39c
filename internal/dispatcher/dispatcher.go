package dispatcher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
	"github.com/tphakala/rxclassify/internal/observability/metrics"
)

// Normalizer is the normalizing stage.
type Normalizer interface {
	NormalizeSource(src imagenorm.Source) (*imagenorm.Buffer, error)
}

// Classifier is the classifying stage.
type Classifier interface {
	Classify(buf *imagenorm.Buffer) (classifier.Result, error)
}

// Overlap decides what happens to earlier requests when a new one arrives
// before they complete.
type Overlap string

const (
	// OverlapQueue runs every request in submission order.
	OverlapQueue Overlap = "queue"
	// OverlapCancelPrevious completes every older request with ErrSuperseded
	// at its next stage boundary. In-flight inference is not interrupted but
	// its result is discarded.
	OverlapCancelPrevious Overlap = "cancel-previous"
)

// ParseOverlap accepts "queue" or "cancel-previous".
func ParseOverlap(s string) (Overlap, error) {
	switch Overlap(s) {
	case OverlapQueue, OverlapCancelPrevious:
		return Overlap(s), nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", s)
	}
}

// TransitionFunc observes request state changes. It runs on worker goroutines.
// A panicking hook is logged and otherwise ignored.
type TransitionFunc func(requestID string, from, to State)

// gaugeRecorder is implemented by metrics.ClassifierMetrics.
type gaugeRecorder interface {
	SetQueueDepth(n int)
	SetActiveRequests(n int)
}

// Dispatcher runs requests on background workers and hands each Outcome to
// the presentation executor exactly once.
type Dispatcher struct {
	norm      Normalizer
	clf       Classifier
	presenter Executor

	workers      int
	queueSize    int
	overlap      Overlap
	recorder     metrics.Recorder
	onTransition TransitionFunc

	queue      chan *request
	quit       chan struct{}
	generation atomic.Uint64
	active     atomic.Int32

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type request struct {
	id    string
	src   imagenorm.Source
	sink  func(Outcome)
	gen   uint64
	start time.Time
	state State
	once  sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of background workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithQueueSize sets how many requests may wait for a worker.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

// WithOverlap sets the overlap policy.
func WithOverlap(o Overlap) Option {
	return func(d *Dispatcher) { d.overlap = o }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithTransitionHook registers fn to observe state transitions.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(d *Dispatcher) { d.onTransition = fn }
}

// New starts the workers. Defaults: one worker, a queue of 16 and the
// queue overlap policy.
func New(norm Normalizer, clf Classifier, presenter Executor, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		norm:      norm,
		clf:       clf,
		presenter: presenter,
		workers:   1,
		queueSize: 16,
		overlap:   OverlapQueue,
		recorder:  metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}

	var problems []error
	if norm == nil {
		problems = append(problems, fmt.Errorf("normalizer is required"))
	}
	if clf == nil {
		problems = append(problems, fmt.Errorf("classifier is required"))
	}
	if presenter == nil {
		problems = append(problems, fmt.Errorf("presentation executor is required"))
	}
	if d.workers < 1 {
		problems = append(problems, fmt.Errorf("workers must be at least 1, got %d", d.workers))
	}
	if d.queueSize < 0 {
		problems = append(problems, fmt.Errorf("queue size must not be negative, got %d", d.queueSize))
	}
	if d.queueSize == 0 && d.overlap == OverlapCancelPrevious {
		// Every submission bumps the generation, so a rejected one would
		// still supersede the request a worker is running.
		problems = append(problems, fmt.Errorf("cancel-previous needs a queue size of at least 1"))
	}
	if _, err := ParseOverlap(string(d.overlap)); err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return nil, errors.New(errors.Join(problems...)).
			Component("dispatcher").
			Category(errors.CategoryConfiguration).
			Build()
	}

	d.queue = make(chan *request, d.queueSize)
	d.quit = make(chan struct{})
	d.wg.Add(d.workers)
	for i := range d.workers {
		go d.worker(i)
	}

	GetLogger().Debug("dispatcher started",
		logger.Int("workers", d.workers),
		logger.Int("queue_size", d.queueSize),
		logger.String("overlap", string(d.overlap)))

	return d, nil
}

// Submit schedules src and returns the request ID. sink is invoked exactly
// once, through the presentation executor, with the request's Outcome.
func (d *Dispatcher) Submit(src imagenorm.Source, sink func(Outcome)) string {
	if sink == nil {
		sink = func(Outcome) {}
	}
	req := &request{
		id:    uuid.NewString(),
		src:   src,
		sink:  sink,
		start: time.Now(),
	}
	evicted, err := d.enqueue(req)
	if evicted != nil {
		d.complete(evicted, classifier.Result{}, d.stateError(ErrSuperseded, errors.CategoryCancellation, evicted))
	}
	if err != nil {
		d.complete(req, classifier.Result{}, err)
	}
	return req.id
}

// enqueue queues req. Under cancel-previous a full queue gives up its oldest
// entry, which is superseded anyway, and that entry is returned as evicted.
func (d *Dispatcher) enqueue(req *request) (evicted *request, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, d.stateError(ErrClosed, errors.CategoryState, req)
	}
	if d.overlap == OverlapCancelPrevious {
		req.gen = d.generation.Add(1)
	}

	select {
	case d.queue <- req:
		d.updateGauges()
		return nil, nil
	default:
	}

	if d.overlap == OverlapCancelPrevious {
		select {
		case evicted = <-d.queue:
		default:
		}
		select {
		case d.queue <- req:
			d.updateGauges()
			return evicted, nil
		default:
		}
	}
	return evicted, d.stateError(ErrQueueFull, errors.CategoryLimit, req)
}

// Classify submits src and returns a channel that receives its Outcome.
// The channel is written from the presentation executor, so with a MainLoop
// the loop must be running for the value to arrive.
func (d *Dispatcher) Classify(src imagenorm.Source) <-chan Outcome {
	ch := make(chan Outcome, 1)
	d.Submit(src, func(o Outcome) { ch <- o })
	return ch
}

// Pending returns the number of queued requests.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Capacity returns the queue size.
func (d *Dispatcher) Capacity() int {
	return cap(d.queue)
}

// Overlap returns the configured overlap policy.
func (d *Dispatcher) Overlap() Overlap {
	return d.overlap
}

// Close stops accepting requests, waits for in-flight requests and
// completes the queued ones with ErrClosed. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()

	d.wg.Wait()

	drained := 0
	for {
		select {
		case req := <-d.queue:
			d.complete(req, classifier.Result{}, d.stateError(ErrClosed, errors.CategoryState, req))
			drained++
		default:
			d.updateGauges()
			GetLogger().Debug("dispatcher closed", logger.Int("drained", drained))
			return nil
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		// Prefer quitting over picking up more work.
		select {
		case <-d.quit:
			return
		default:
		}
		select {
		case <-d.quit:
			return
		case req := <-d.queue:
			d.updateGauges()
			d.process(id, req)
		}
	}
}

func (d *Dispatcher) process(workerID int, req *request) {
	d.active.Add(1)
	d.updateGauges()
	defer func() {
		d.active.Add(-1)
		d.updateGauges()
	}()

	defer func() {
		if r := recover(); r != nil {
			GetLogger().Error("pipeline stage panicked",
				logger.String("request_id", req.id),
				logger.String("stage", req.state.String()),
				logger.String("panic", fmt.Sprint(r)))
			d.complete(req, classifier.Result{}, stageError(req, fmt.Errorf("stage panicked: %v", r)))
		}
	}()

	if d.superseded(req) {
		d.complete(req, classifier.Result{}, d.stateError(ErrSuperseded, errors.CategoryCancellation, req))
		return
	}

	d.transition(req, StateNormalizing)
	stageStart := time.Now()
	buf, err := d.norm.NormalizeSource(req.src)
	d.recordStage(metrics.OpNormalize, stageStart, err)
	if err != nil {
		d.complete(req, classifier.Result{}, err)
		return
	}
	if d.superseded(req) {
		d.complete(req, classifier.Result{}, d.stateError(ErrSuperseded, errors.CategoryCancellation, req))
		return
	}

	d.transition(req, StateClassifying)
	stageStart = time.Now()
	res, err := d.clf.Classify(buf)
	d.recordStage(metrics.OpClassify, stageStart, err)
	if err != nil {
		d.complete(req, classifier.Result{}, err)
		return
	}
	if d.superseded(req) {
		d.complete(req, classifier.Result{}, d.stateError(ErrSuperseded, errors.CategoryCancellation, req))
		return
	}

	GetLogger().Trace("request classified",
		logger.String("request_id", req.id),
		logger.Int("worker", workerID))
	d.complete(req, res, nil)
}

func (d *Dispatcher) superseded(req *request) bool {
	return d.overlap == OverlapCancelPrevious && req.gen != d.generation.Load()
}

func (d *Dispatcher) transition(req *request, to State) {
	from := req.state
	req.state = to
	if d.onTransition == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			GetLogger().Warn("transition hook panicked",
				logger.String("request_id", req.id),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	d.onTransition(req.id, from, to)
}

// complete moves req to Completed and posts its sink. Only the first call
// for a request has any effect.
func (d *Dispatcher) complete(req *request, res classifier.Result, err error) {
	req.once.Do(func() {
		stage := req.state
		d.transition(req, StateCompleted)

		out := Outcome{
			RequestID: req.id,
			Result:    res,
			Err:       err,
			Stage:     stage,
			Elapsed:   time.Since(req.start),
		}

		d.recorder.RecordDuration(metrics.OpDispatch, out.Elapsed.Seconds())
		if err != nil {
			d.recorder.RecordOperation(metrics.OpDispatch, metrics.StatusError)
			d.recorder.RecordError(metrics.OpDispatch, string(errors.CategoryOf(err)))
			GetLogger().Debug("request failed",
				logger.String("request_id", req.id),
				logger.String("stage", stage.String()),
				logger.Error(err))
		} else {
			d.recorder.RecordOperation(metrics.OpDispatch, metrics.StatusSuccess)
		}

		sink := req.sink
		req.src = nil
		d.presenter.Post(func() {
			defer func() {
				if r := recover(); r != nil {
					GetLogger().Error("outcome sink panicked",
						logger.String("request_id", out.RequestID),
						logger.String("panic", fmt.Sprint(r)))
				}
			}()
			sink(out)
		})
	})
}

func (d *Dispatcher) recordStage(op string, start time.Time, err error) {
	d.recorder.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		d.recorder.RecordOperation(op, metrics.StatusError)
		return
	}
	d.recorder.RecordOperation(op, metrics.StatusSuccess)
}

func (d *Dispatcher) updateGauges() {
	if g, ok := d.recorder.(gaugeRecorder); ok {
		g.SetQueueDepth(len(d.queue))
		g.SetActiveRequests(int(d.active.Load()))
	}
}

func (d *Dispatcher) stateError(sentinel error, category errors.ErrorCategory, req *request) error {
	return errors.New(sentinel).
		Component("dispatcher").
		Category(category).
		Context("request_id", req.id).
		Context("overlap", string(d.overlap)).
		Build()
}

// stageError maps a recovered panic onto the sentinel of the stage it
// happened in.
func stageError(req *request, cause error) error {
	sentinel, category := classifier.ErrInferenceFailed, errors.CategoryInference
	if req.state == StateNormalizing || req.state == StateIdle {
		sentinel, category = imagenorm.ErrConversionFailed, errors.CategoryImageConversion
	}
	return errors.New(fmt.Errorf("%w: %w", sentinel, cause)).
		Component("dispatcher").
		Category(category).
		Context("request_id", req.id).
		Build()
}
