package sensor

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Stream adapts one device feed to a broadcast source. It can be attached
// to successive devices; the broadcast outlives them.
type Stream[T any] struct {
	out *broadcast.Broadcast[T]

	mu     sync.Mutex
	cancel func()

	received atomic.Uint64
	attaches atomic.Uint64
}

// NewStream creates a detached stream publishing on a broadcast named name.
func NewStream[T any](name string) *Stream[T] {
	return &Stream[T]{out: broadcast.New[T](name)}
}

// Source returns the broadcast the stream publishes on.
func (s *Stream[T]) Source() *broadcast.Broadcast[T] { return s.out }

// Attach registers the stream's handler through register, replacing any
// previous registration.
func (s *Stream[T]) Attach(register func(func(T)) func()) {
	cancel := register(s.publish)

	s.mu.Lock()
	prev := s.cancel
	s.cancel = cancel
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.attaches.Add(1)
}

// Detach unregisters the handler. Safe to call when detached.
func (s *Stream[T]) Detach() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Stream[T]) publish(v T) {
	s.received.Add(1)
	s.out.Publish(v)
}

// Complete detaches and completes the broadcast.
func (s *Stream[T]) Complete() {
	s.Detach()
	s.out.Complete()
}

// Fault detaches and faults the broadcast with err.
func (s *Stream[T]) Fault(err error) {
	s.Detach()
	s.out.Fault(err)
}

// Received returns the number of values received from devices.
func (s *Stream[T]) Received() uint64 { return s.received.Load() }

// NewSkeletonStream is NewStream for snapshots: snapshots a mailbox
// discards are released.
func NewSkeletonStream(name string) *Stream[*types.SkeletonSnapshot] {
	s := NewStream[*types.SkeletonSnapshot](name)
	s.out.SetDropHook(func(snap *types.SkeletonSnapshot) { snap.Release() })
	return s
}
