// Package evloop is a single-threaded cooperative task loop.
//
// Producers on any goroutine Post closures; the goroutine that drives the loop
// (Run, RunOnce or RunUntil) executes them in order. Storage engine state
// touched from posted closures therefore needs no locking.
package evloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO of tasks.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// New creates a loop.
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Post queues fn. It never blocks; it returns false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// drain runs every task queued at the time of the call.
func (l *Loop) drain() int {
	l.mu.Lock()
	tasks := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		l.runTask(fn)
	}
	return len(tasks)
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Event loop task panicked")
		}
	}()
	fn()
}

// RunOnce runs the queued tasks, waiting up to timeout for the first one.
func (l *Loop) RunOnce(timeout time.Duration) int {
	if n := l.drain(); n > 0 {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.wake:
		return l.drain()
	case <-timer.C:
		return 0
	case <-l.stopCh:
		return 0
	}
}

// Run executes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			l.drain()
			return ErrStopped
		}
	}
}

// RunUntil executes tasks until cond returns true, ctx is done or the loop stops.
// cond is evaluated on the loop goroutine after every batch.
func (l *Loop) RunUntil(ctx context.Context, cond func() bool) error {
	for {
		l.drain()
		if cond() {
			return nil
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return ErrStopped
		}
	}
}

// Stop wakes up Run and rejects further posts. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
	})
}
