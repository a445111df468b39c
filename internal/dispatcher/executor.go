package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/tphakala/rxclassify/internal/logger"
)

// Executor runs tasks on the presentation thread. Post must not block on
// the task itself.
type Executor interface {
	Post(task func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(task func())

// Post calls f(task).
func (f ExecutorFunc) Post(task func()) { f(task) }

// MainLoop is a serial presentation loop. Tasks posted from any goroutine
// run one at a time, in post order, on the goroutine that calls Run.
type MainLoop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMainLoop returns a loop ready for Run.
func NewMainLoop() *MainLoop {
	return &MainLoop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post queues task. It never blocks. Tasks posted after the loop has
// stopped are dropped.
func (l *MainLoop) Post(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		GetLogger().Warn("task posted to stopped main loop dropped")
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted tasks until ctx is done or Stop is called, then runs
// the tasks already queued and returns.
func (l *MainLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.stop:
			l.shutdown()
			return
		case <-l.wake:
			l.runPending()
		}
	}
}

// Stop makes Run return after draining queued tasks.
func (l *MainLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Pending returns the number of queued tasks.
func (l *MainLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *MainLoop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.runPending()
}

func (l *MainLoop) runPending() {
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, task := range batch {
			runTask(task)
		}
	}
}

func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			GetLogger().Error("presentation task panicked",
				logger.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}
