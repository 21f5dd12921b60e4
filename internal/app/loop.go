package app

import (
	"context"
	"sync"
)

// defaultLoopBuffer is the queue capacity before Post blocks.
const defaultLoopBuffer = 256

// Loop is the application's single-threaded work queue. Worker
// goroutines post completions to it; the loop goroutine runs them in
// order, so state touched only from posted functions needs no locks.
type Loop struct {
	queue chan func()

	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// NewLoop creates a loop with the given queue capacity. A capacity of
// zero or less uses the default.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = defaultLoopBuffer
	}
	return &Loop{
		queue:    make(chan func(), buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Post queues fn for execution on the loop goroutine. It reports
// whether the function was accepted; a stopped loop rejects work.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run executes posted functions until the context is cancelled or the
// loop is stopped. It is the loop goroutine and must be called at most
// once; when it returns the loop is stopped and Done is closed.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.Stop()
		close(l.finished)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Done is closed once Run has returned. After that no posted function
// will execute.
func (l *Loop) Done() <-chan struct{} {
	return l.finished
}

// Stop ends the loop. Pending functions that have not run are dropped.
// Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}
