package broadcast

import (
	"context"
	"sync"
	"time"
)

// slot is a per-subscriber mailbox with sync.Cond blocking semantics.
//
// Layout:
//   - bounded queue (items, at most capacity)
//   - overwrite/evict-oldest when full, counted as a drop
//   - blocking consume (cond.Wait) woken by push, finish, close, ctx
//
// All fields are protected by mu.
type slot[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	accept   func(T) bool
	onDrop   func(T)

	closed bool  // unsubscribed
	done   bool  // source completed or faulted
	fault  error // non-nil when the source faulted

	delivered        uint64
	dropped          uint64
	declined         uint64
	consecutiveDrops uint64
	lastConsumedAt   time.Time
}

func newSlot[T any](capacity int, accept func(T) bool, onDrop func(T)) *slot[T] {
	if capacity < 1 {
		capacity = 1
	}
	s := &slot[T]{
		items:          make([]T, 0, capacity),
		capacity:       capacity,
		accept:         accept,
		onDrop:         onDrop,
		lastConsumedAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *slot[T]) setDropHook(fn func(T)) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// push enqueues v, evicting the oldest pending value when full.
func (s *slot[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.done {
		return
	}
	if s.accept != nil && !s.accept(v) {
		s.declined++
		return
	}

	if len(s.items) == s.capacity {
		old := s.items[0]
		copy(s.items, s.items[1:])
		s.items = s.items[:len(s.items)-1]
		s.dropped++
		s.consecutiveDrops++
		if s.onDrop != nil {
			s.onDrop(old)
		}
	}
	s.items = append(s.items, v)
	s.cond.Signal()
}

// finish marks the source terminal. A fault discards pending values.
func (s *slot[T]) finish(fault error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	s.fault = fault
	if fault != nil {
		s.discardLocked()
	}
	s.cond.Broadcast()
}

func (s *slot[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.discardLocked()
	s.cond.Broadcast()
}

func (s *slot[T]) discardLocked() {
	if s.onDrop != nil {
		for _, v := range s.items {
			s.onDrop(v)
		}
	}
	clear(s.items)
	s.items = s.items[:0]
}

func (s *slot[T]) receive(ctx context.Context) (T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	// stop must not wait for the callback: it runs while s.mu is held.
	defer stop()

	for len(s.items) == 0 && !s.closed && !s.done && ctx.Err() == nil {
		s.cond.Wait()
	}

	switch {
	case s.closed:
		return zero, ErrClosed
	case s.fault != nil:
		return zero, s.fault
	case ctx.Err() != nil:
		return zero, ctx.Err()
	case len(s.items) > 0:
		return s.popLocked(), nil
	default:
		return zero, ErrCompleted
	}
}

func (s *slot[T]) tryReceive() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.fault != nil || len(s.items) == 0 {
		var zero T
		return zero, false
	}
	return s.popLocked(), true
}

func (s *slot[T]) popLocked() T {
	var zero T
	n := len(s.items)
	v := s.items[0]
	copy(s.items, s.items[1:])
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	s.delivered++
	s.consecutiveDrops = 0
	s.lastConsumedAt = time.Now()
	return v
}

func (s *slot[T]) stats(id string) SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SubscriberStats{
		ID:               id,
		Capacity:         s.capacity,
		Pending:          len(s.items),
		Delivered:        s.delivered,
		Dropped:          s.dropped,
		Declined:         s.declined,
		ConsecutiveDrops: s.consecutiveDrops,
		LastConsumedAt:   s.lastConsumedAt,
		IsIdle:           time.Since(s.lastConsumedAt) > idleThreshold,
	}
}
