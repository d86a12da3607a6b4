// Package join implements the non-greedy, capacity-one pairing stage that
// synchronizes the depth and color feeds.
//
// Semantics:
//   - at most one pending item per side; a newer item on the same side
//     overwrites the pending one (counted as a drop)
//   - a pair is formed only when both sides have a pending item, and both
//     are taken atomically (non-greedy)
//   - at most one formed pair waits for the consumer; while it waits, new
//     arrivals accumulate (and overwrite) on their sides instead of forming
//     a second pair
//
// The consumer therefore always gets the freshest pairing available when it
// becomes ready, and the stage never queues more than one pair.
package join

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCompleted is returned by Receive once an input completed and no pair
// remains.
var ErrCompleted = errors.New("join: input completed")

// Pair is one synchronized (left, right) tuple.
type Pair[A, B any] struct {
	Left  A
	Right B
}

// Join pairs the latest A with the latest B.
//
// Thread-safety: Offer* may be called concurrently from any goroutine.
// Receive may be called from several consumer goroutines.
type Join[A, B any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	left     A
	hasLeft  bool
	right    B
	hasRight bool

	out    Pair[A, B]
	hasOut bool

	done  bool
	fault error

	onDropLeft  func(A)
	onDropRight func(B)

	pairs      atomic.Uint64
	leftDrops  atomic.Uint64
	rightDrops atomic.Uint64
}

// New creates an empty join.
func New[A, B any]() *Join[A, B] {
	j := &Join[A, B]{}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// SetDropHooks installs callbacks for overwritten pending items.
func (j *Join[A, B]) SetDropHooks(left func(A), right func(B)) {
	j.mu.Lock()
	j.onDropLeft = left
	j.onDropRight = right
	j.mu.Unlock()
}

// OfferLeft sets the pending left item. Never blocks.
func (j *Join[A, B]) OfferLeft(v A) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.done {
		return
	}
	if j.hasLeft {
		j.leftDrops.Add(1)
		if j.onDropLeft != nil {
			j.onDropLeft(j.left)
		}
	}
	j.left, j.hasLeft = v, true
	j.tryPairLocked()
}

// OfferRight sets the pending right item. Never blocks.
func (j *Join[A, B]) OfferRight(v B) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.done {
		return
	}
	if j.hasRight {
		j.rightDrops.Add(1)
		if j.onDropRight != nil {
			j.onDropRight(j.right)
		}
	}
	j.right, j.hasRight = v, true
	j.tryPairLocked()
}

// tryPairLocked moves both pending items into the output slot when the slot
// is free and both sides are present.
func (j *Join[A, B]) tryPairLocked() {
	if j.hasOut || !j.hasLeft || !j.hasRight {
		return
	}

	var za A
	var zb B
	j.out = Pair[A, B]{Left: j.left, Right: j.right}
	j.hasOut = true
	j.left, j.hasLeft = za, false
	j.right, j.hasRight = zb, false
	j.pairs.Add(1)
	j.cond.Signal()
}

// Receive blocks until a pair is available and takes it.
//
// After Complete, a pair already formed is still delivered; then
// ErrCompleted is returned. After Fault, the fault is returned at once.
func (j *Join[A, B]) Receive(ctx context.Context) (Pair[A, B], error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		j.mu.Lock()
		j.cond.Broadcast()
		j.mu.Unlock()
	})
	defer stop()

	for !j.hasOut && !j.done && ctx.Err() == nil {
		j.cond.Wait()
	}

	var zero Pair[A, B]
	switch {
	case j.fault != nil:
		return zero, j.fault
	case ctx.Err() != nil:
		return zero, ctx.Err()
	case j.hasOut:
		p := j.out
		j.out, j.hasOut = zero, false
		j.tryPairLocked()
		return p, nil
	default:
		return zero, ErrCompleted
	}
}

// Complete ends the join: pending unpaired items are discarded, a formed
// pair is still delivered. Idempotent.
func (j *Join[A, B]) Complete() { j.terminate(nil) }

// Fault ends the join with err; consumers receive err immediately.
func (j *Join[A, B]) Fault(err error) { j.terminate(err) }

func (j *Join[A, B]) terminate(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.done {
		return
	}
	j.done = true
	j.fault = err

	var za A
	var zb B
	j.left, j.hasLeft = za, false
	j.right, j.hasRight = zb, false
	if err != nil {
		j.out, j.hasOut = Pair[A, B]{}, false
	}
	j.cond.Broadcast()
}

// Stats is a snapshot of join counters.
type Stats struct {
	Pairs      uint64 `json:"pairs"`
	LeftDrops  uint64 `json:"left_drops"`
	RightDrops uint64 `json:"right_drops"`
}

// Stats returns current counters.
func (j *Join[A, B]) Stats() Stats {
	return Stats{
		Pairs:      j.pairs.Load(),
		LeftDrops:  j.leftDrops.Load(),
		RightDrops: j.rightDrops.Load(),
	}
}
