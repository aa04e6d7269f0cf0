// Package eventloop runs posted functions one at a time on a single goroutine.
//
// Callbacks that touch shared state (metadata objects, UI-facing handlers)
// are posted here so they never race with each other.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("event loop closed")

// Poster accepts work for a serial executor.
type Poster interface {
	Post(fn func())
}

// Loop is an unbounded serial executor. Post never blocks and never drops.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	running atomic.Bool
	onLoop  atomic.Int64
}

// New creates a Loop. Call Run to start processing.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine and returns it.
func Start(ctx context.Context) *Loop {
	l := New()
	go func() { _ = l.Run(ctx) }()
	return l
}

// Post queues fn to run after all previously posted functions.
// Functions posted after Close are discarded.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts fn and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted functions until ctx is done or Close is called.
// Work still pending at Close is run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.done)

	for {
		batch, closed := l.take()
		for _, fn := range batch {
			l.onLoop.Add(1)
			fn()
			l.onLoop.Add(-1)
		}
		if closed && len(batch) == 0 {
			return nil
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Close()
			l.runRemaining()
			return ctx.Err()
		}
	}
}

func (l *Loop) take() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.pending
	l.pending = nil
	return batch, l.closed
}

func (l *Loop) runRemaining() {
	for {
		batch, _ := l.take()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Close stops accepting work. Run drains what is pending and returns.
func (l *Loop) Close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()
	if already {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Busy reports whether a posted function is currently executing.
func (l *Loop) Busy() bool { return l.onLoop.Load() > 0 }

// Inline runs functions immediately on the calling goroutine.
// It is useful for tests and for callers that are already serialised.
type Inline struct{}

func (Inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}
