// Package loop provides the cooperative, single-goroutine scheduler that owns
// all synchronization state. Other goroutines (transport readers, timers,
// API callers) never touch that state directly; they post closures here.
package loop

import (
	"context"
	"sync"

	"github.com/gotsync/gotsync/internal/core"
)

// Poster accepts work to run on the loop goroutine.
type Poster interface {
	Post(fn func()) bool
}

// Loop runs posted closures one at a time, in posting order. Its queue is
// unbounded so that posting from inside a task never deadlocks.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return core.ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is cancelled or Stop is called. Tasks still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()

	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return nil
		}

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.tasks = nil
	close(l.done)
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
