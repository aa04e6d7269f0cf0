// Package lifo provides a bounded last-in-first-out work stack.
//
// The stack backs schedulers that serve interactive requests: the most
// recently pushed item is served first, and when the stack is at capacity the
// oldest item is evicted to make room. Recent requests are assumed to matter
// more than old ones that the user may already have moved away from.
package lifo

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the stack is closed and drained.
var ErrClosed = errors.New("stack closed")

// Stack is a bounded LIFO stack safe for concurrent use.
//
// Items are kept oldest first; the top of the stack is the end of the slice.
type Stack[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	closed   bool
}

// New creates a stack holding at most capacity items.
// Capacities below 1 are raised to 1.
func New[T any](capacity int) *Stack[T] {
	if capacity < 1 {
		capacity = 1
	}
	s := &Stack[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Cap returns the nominal capacity.
func (s *Stack[T]) Cap() int { return s.capacity }

// Len returns the number of items waiting.
func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Full reports whether a further Offer would be refused.
func (s *Stack[T]) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) >= s.capacity
}

// Offer pushes v unless the stack is full or closed.
func (s *Stack[T]) Offer(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.items) >= s.capacity {
		return false
	}
	s.items = append(s.items, v)
	s.cond.Signal()
	return true
}

// Push pushes v on top. If the stack is full the oldest item is removed
// first and returned with dropped set. Pushing to a closed stack drops v
// itself.
func (s *Stack[T]) Push(v T) (evicted T, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return v, true
	}
	if len(s.items) >= s.capacity {
		evicted, dropped = s.removeOldestLocked()
	}
	s.items = append(s.items, v)
	s.cond.Signal()
	return evicted, dropped
}

// RemoveOldest removes and returns the bottom item.
func (s *Stack[T]) RemoveOldest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeOldestLocked()
}

func (s *Stack[T]) removeOldestLocked() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	oldest := s.items[0]
	copy(s.items, s.items[1:])
	s.items[len(s.items)-1] = zero
	s.items = s.items[:len(s.items)-1]
	return oldest, true
}

// TryPop removes and returns the top item without blocking.
func (s *Stack[T]) TryPop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

func (s *Stack[T]) popLocked() (T, bool) {
	var zero T
	n := len(s.items)
	if n == 0 {
		return zero, false
	}
	top := s.items[n-1]
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return top, true
}

// Pop blocks until an item is available, the stack is closed and empty,
// or ctx is done.
func (s *Stack[T]) Pop(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if v, ok := s.popLocked(); ok {
		return v, nil
	}
	return zero, ErrClosed
}

// Drain removes and returns every waiting item, oldest first.
func (s *Stack[T]) Drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.items
	s.items = make([]T, 0, s.capacity)
	return out
}

// Close wakes all blocked Pop calls. Items already queued can still be
// popped; further pushes are refused.
func (s *Stack[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
