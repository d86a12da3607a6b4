// Package broadcast implements the typed fan-out source that links pipeline
// stages.
//
// A Broadcast[T] delivers every published value to every subscriber. Each
// subscriber owns a bounded mailbox:
//
//   - capacity 1: latest-wins. A new value overwrites an unconsumed one and
//     the overwrite is counted as a drop. Used for frame edges.
//   - capacity N: FIFO of at most N values; when full the oldest pending
//     value is dropped. Used for command edges.
//
// Publish never blocks. Consumers block in Subscription.Receive on a
// sync.Cond until a value arrives, the source completes, the source
// faults, the subscription is closed, or the context is cancelled.
//
// Completion and faults propagate: Complete wakes every subscriber, which
// drains its pending values and then receives ErrCompleted. Fault wakes
// every subscriber with the fault error immediately, discarding pending
// values. A stage that observes either signals the same thing on its own
// output, so a single Complete or Fault at the leaves reaches the sink.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Broadcast is a fan-out source of T values.
//
// Thread-safety: all methods are safe for concurrent use.
type Broadcast[T any] struct {
	name string

	mu     sync.RWMutex
	slots  map[string]*slot[T]
	done   bool
	fault  error
	onDrop func(T)

	published atomic.Uint64
}

// New creates a broadcast source. The name appears in logs and stats.
func New[T any](name string) *Broadcast[T] {
	return &Broadcast[T]{
		name:  name,
		slots: make(map[string]*slot[T]),
	}
}

// Name returns the name given to New.
func (b *Broadcast[T]) Name() string { return b.name }

// SetDropHook installs fn, called with every value a mailbox discards
// without delivering (overwritten, evicted, or pending at Close/Fault).
// Producers of single-use values use it to release them.
func (b *Broadcast[T]) SetDropHook(fn func(T)) {
	b.mu.Lock()
	b.onDrop = fn
	for _, s := range b.slots {
		s.setDropHook(fn)
	}
	b.mu.Unlock()
}

// Subscribe registers a consumer with a mailbox of the given capacity.
// Capacity below 1 is treated as 1.
//
// Subscribing after Complete or Fault succeeds and returns a subscription
// that immediately reports the terminal state.
func (b *Broadcast[T]) Subscribe(id string, capacity int) (*Subscription[T], error) {
	return b.SubscribeFunc(id, capacity, nil)
}

// SubscribeFunc is Subscribe with an accept filter. Values for which accept
// returns false are declined: they never enter the mailbox and are not
// counted as drops.
func (b *Broadcast[T]) SubscribeFunc(id string, capacity int, accept func(T) bool) (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.slots[id]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrSubscriberExists, b.name, id)
	}

	s := newSlot[T](capacity, accept, b.onDrop)
	if b.done {
		s.finish(b.fault)
	}
	b.slots[id] = s

	slog.Debug("broadcast: subscriber added",
		"source", b.name,
		"subscriber", id,
		"capacity", s.capacity,
	)

	return &Subscription[T]{id: id, src: b, slot: s}, nil
}

// Unsubscribe closes the mailbox of id and removes it. A consumer blocked
// in Receive wakes with ErrClosed.
func (b *Broadcast[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.slots[id]
	if ok {
		delete(b.slots, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSubscriberNotFound, b.name, id)
	}
	s.close()
	return nil
}

// Publish delivers v to every subscriber. It never blocks. Values published
// after Complete or Fault are discarded.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.done {
		if b.onDrop != nil {
			b.onDrop(v)
		}
		return
	}

	b.published.Add(1)
	for _, s := range b.slots {
		s.push(v)
	}
}

// Complete signals graceful end of stream. Idempotent; the first of
// Complete and Fault wins.
func (b *Broadcast[T]) Complete() {
	b.terminate(nil)
}

// Fault signals an unrecoverable processing error. Every subscriber wakes
// with err. A nil err is treated as Complete.
func (b *Broadcast[T]) Fault(err error) {
	if err != nil {
		slog.Error("broadcast: source faulted", "source", b.name, "error", err)
	}
	b.terminate(err)
}

func (b *Broadcast[T]) terminate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return
	}
	b.done = true
	b.fault = err

	for _, s := range b.slots {
		s.finish(err)
	}
}

// Done reports whether the source completed or faulted, and the fault.
func (b *Broadcast[T]) Done() (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.done, b.fault
}

// Stats returns a snapshot of delivery counters.
func (b *Broadcast[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Name:        b.name,
		Published:   b.published.Load(),
		Completed:   b.done,
		Subscribers: make(map[string]SubscriberStats, len(b.slots)),
	}
	if b.fault != nil {
		st.Fault = b.fault.Error()
	}
	for id, s := range b.slots {
		st.Subscribers[id] = s.stats(id)
	}
	return st
}

// Subscription is the consumer end of one mailbox. Receive and TryReceive
// must be called from a single goroutine.
type Subscription[T any] struct {
	id   string
	src  *Broadcast[T]
	slot *slot[T]
}

// ID returns the subscriber id.
func (s *Subscription[T]) ID() string { return s.id }

// Receive blocks until a value is available and returns it.
//
// Errors:
//   - ErrClosed after Close
//   - the fault error after the source faulted
//   - ctx.Err() when ctx is cancelled
//   - ErrCompleted after the source completed and the mailbox is drained
func (s *Subscription[T]) Receive(ctx context.Context) (T, error) {
	return s.slot.receive(ctx)
}

// TryReceive returns the oldest pending value without blocking.
func (s *Subscription[T]) TryReceive() (T, bool) {
	return s.slot.tryReceive()
}

// Close detaches the subscription from its source. Idempotent.
func (s *Subscription[T]) Close() {
	_ = s.src.Unsubscribe(s.id)
}

// idleThreshold marks a subscriber idle in Stats when it has not consumed
// for this long.
const idleThreshold = 30 * time.Second

// Finish terminates b according to the error that ended a consumer loop
// feeding it: completion, close and cancellation complete b, anything else
// faults b. It returns nil for the graceful cases and cause otherwise.
func (b *Broadcast[T]) Finish(cause error) error {
	if cause == nil || IsTerminal(cause) || errors.Is(cause, context.Canceled) {
		b.Complete()
		return nil
	}
	b.Fault(cause)
	return cause
}
