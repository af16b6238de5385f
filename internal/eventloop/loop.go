// Package eventloop provides the single-goroutine executor every engine
// component runs on. State owned by a component is only touched from tasks
// posted to its loop.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wesbrine/hydra-social/pkg/logging"
)

// ErrClosed is returned when work is submitted to a stopped loop.
var ErrClosed = errors.New("eventloop: closed")

// Timer is a handle to a delayed task.
type Timer interface {
	// Stop prevents the task from running. It returns false if the task
	// already ran or was already stopped.
	Stop() bool
}

// Runtime is what components need from an executor. Loop is the production
// implementation and Manual the deterministic one used by tests.
type Runtime interface {
	// Post queues fn to run on the loop. It never blocks and returns false
	// if the loop is closed.
	Post(fn func()) bool
	// Call runs fn on the loop and waits for it. Must not be called from the
	// loop itself.
	Call(ctx context.Context, fn func()) error
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Async runs work off the loop and then posts then(err) back to it.
	Async(ctx context.Context, work func(context.Context) error, then func(error))
}

// Loop is a cooperative executor: tasks run one at a time, in submission
// order, on a single goroutine. The queue is unbounded so tasks may post
// more tasks without deadlocking.
type Loop struct {
	logger logging.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup
}

// New creates a loop. Run must be called to start processing.
func New(logger logging.Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		logger:  logging.OrDiscard(logger),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run processes tasks until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
		if closed {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.wake:
		}
	}
}

// Close stops accepting work, cancels in-flight async routines, and waits for
// Run to drain the queue and return. Safe to call more than once.
func (l *Loop) Close() {
	l.shutdown()
	<-l.stopped
	l.async.Wait()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", fmt.Sprint(r)).Error("Event loop task panicked")
		}
	}()
	fn()
}

// Post implements Runtime.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// Call implements Runtime.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.t.Stop()
	return true
}

// AfterFunc implements Runtime. A timer stopped from the loop never runs,
// even if it already fired and its task is queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return lt
}

// Async implements Runtime. The context passed to work is cancelled when
// either ctx or the loop is done.
func (l *Loop) Async(ctx context.Context, work func(context.Context) error, then func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.async.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.async.Done()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(l.ctx, cancel)
		defer stop()

		err := l.runWork(runCtx, work)
		if then != nil {
			l.Post(func() { then(err) })
		}
	}()
}

func (l *Loop) runWork(ctx context.Context, work func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async routine panicked: %v", r)
		}
	}()
	return work(ctx)
}
