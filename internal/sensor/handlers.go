package sensor

import (
	"sync"

	"github.com/e7canasta/greenscreen/internal/types"
)

// handlers is a registry of callbacks for one feed.
type handlers[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func (h *handlers[T]) add(fn func(T)) func() {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.fns, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlers[T]) emit(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.fns {
		fn(v)
	}
	return len(h.fns)
}

func (h *handlers[T]) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fns)
}

// hub implements the handler half of Device for the devices in this package.
type hub struct {
	depth    handlers[*types.DepthFrame]
	color    handlers[*types.ColorFrame]
	skeleton handlers[*types.SkeletonSnapshot]
}

func (h *hub) HandleDepth(fn func(*types.DepthFrame)) func() { return h.depth.add(fn) }

func (h *hub) HandleColor(fn func(*types.ColorFrame)) func() { return h.color.add(fn) }

func (h *hub) HandleSkeleton(fn func(*types.SkeletonSnapshot)) func() {
	return h.skeleton.add(fn)
}
