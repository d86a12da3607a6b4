// Package pictures loads background images and keeps the three-image window
// (previous, current, next) used by the slide transition.
package pictures

import (
	"image"
	"log/slog"
	"sync"
)

// Window is the three images around the current index. Any handle may be
// nil: no pictures, a failed decode, or a neighbor still loading.
type Window struct {
	Previous *image.RGBA
	Current  *image.RGBA
	Next     *image.RGBA
}

// Store rotates through a fixed list of picture paths.
//
// Thread-safety: all methods are safe for concurrent use. Neighbor loads
// triggered by Rotate run in their own goroutines; Wait blocks until they
// finish.
type Store struct {
	paths  []string
	decode DecodeFunc

	mu     sync.Mutex
	index  int
	window Window

	loads sync.WaitGroup
}

// NewStore creates a store over paths and synchronously loads the window
// around index 0. A nil decode uses DecodeFile.
func NewStore(paths []string, decode DecodeFunc) *Store {
	if decode == nil {
		decode = DecodeFile
	}
	s := &Store{
		paths:  paths,
		decode: decode,
	}
	if len(paths) == 0 {
		return s
	}

	s.window = Window{
		Previous: s.load(s.Resolve(-1)),
		Current:  s.load(0),
		Next:     s.load(s.Resolve(1)),
	}
	return s
}

// Len returns the number of discovered pictures.
func (s *Store) Len() int { return len(s.paths) }

// Resolve wraps i into [0, Len()). Returns 0 for an empty store.
func (s *Store) Resolve(i int) int {
	n := len(s.paths)
	if n == 0 {
		return 0
	}
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Index returns the current picture index.
func (s *Store) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Window returns the current three-image window.
func (s *Store) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Rotate shifts the window one position forward (next becomes current) or
// backward, then loads the newly exposed neighbor in the background.
// No-op on an empty store.
func (s *Store) Rotate(forward bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.paths) == 0 {
		return
	}

	var target int
	if forward {
		s.index = s.Resolve(s.index + 1)
		s.window = Window{Previous: s.window.Current, Current: s.window.Next}
		target = s.Resolve(s.index + 1)
	} else {
		s.index = s.Resolve(s.index - 1)
		s.window = Window{Current: s.window.Previous, Next: s.window.Current}
		target = s.Resolve(s.index - 1)
	}

	slog.Debug("pictures: rotated",
		"forward", forward,
		"index", s.index,
		"loading", target,
	)

	s.loads.Add(1)
	go s.loadNeighbor(target)
}

// loadNeighbor decodes path index idx and places it in every empty window
// slot that still maps to idx once decoding finishes. Rotations that outrun
// decoding therefore still fill the slot the image ended up in.
func (s *Store) loadNeighbor(idx int) {
	defer s.loads.Done()

	img := s.load(idx)
	if img == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window.Previous == nil && s.Resolve(s.index-1) == idx {
		s.window.Previous = img
	}
	if s.window.Current == nil && s.index == idx {
		s.window.Current = img
	}
	if s.window.Next == nil && s.Resolve(s.index+1) == idx {
		s.window.Next = img
	}
}

// Wait blocks until all background loads have finished.
func (s *Store) Wait() { s.loads.Wait() }

func (s *Store) load(idx int) *image.RGBA {
	path := s.paths[idx]
	img, err := s.decode(path)
	if err != nil {
		slog.Warn("pictures: skipping undecodable picture", "path", path, "error", err)
		return nil
	}
	return img
}
