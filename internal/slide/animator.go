// Package slide implements the background picture slide transition.
//
// The Animator is a small state machine:
//
//	Idle ──Next/Previous──▶ Sliding ──completion──▶ Idle (+ rotation)
//
// While Sliding, a fixed-rate ticker advances the offset and renders one
// frame per tick. A repeated command accelerates the slide; the opposite
// command reverses it at base pace without resetting the offset. A slide
// that runs to the end rotates the picture window; a reversed slide that
// returns to its starting point does not.
package slide

import (
	"context"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/pictures"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Config parameterizes the slide.
type Config struct {
	// Pace is the base step in pixels per tick before acceleration.
	Pace float64 `yaml:"pace"`
	// FPS is the tick rate while sliding.
	FPS int `yaml:"fps"`
	// Accelerate multiplies the velocity on a repeated command.
	Accelerate float64 `yaml:"accelerate"`
}

// DefaultConfig returns the default slide parameters.
func DefaultConfig() Config {
	return Config{Pace: 3, FPS: 30, Accelerate: 1.8}
}

// State names the animator state.
type State int

const (
	Idle State = iota
	Sliding
)

func (s State) String() string {
	if s == Sliding {
		return "sliding"
	}
	return "idle"
}

// Animator drives the slide transition and publishes rendered frames.
//
// Thread-safety: Move and Step may run concurrently; all transition state is
// guarded by mu.
type Animator struct {
	store *pictures.Store
	out   *broadcast.Broadcast[*image.RGBA]
	cfg   Config

	mu       sync.Mutex
	state    State
	source   *image.RGBA
	target   *image.RGBA
	width    int
	height   int
	original types.Command
	current  types.Command
	offset   float64
	velocity float64

	wake chan struct{}

	started   atomic.Uint64
	completed atomic.Uint64
	reversed  atomic.Uint64
	frames    atomic.Uint64
}

// New creates an idle animator over store.
func New(store *pictures.Store, out *broadcast.Broadcast[*image.RGBA], cfg Config) *Animator {
	return &Animator{
		store: store,
		out:   out,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
	}
}

// Accepts is the subscription filter for the animator's command input.
func Accepts(c types.Command) bool { return c.IsSlide() }

// State returns the current state.
func (a *Animator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// EmitCurrent publishes the current picture, if any.
func (a *Animator) EmitCurrent() {
	if img := a.store.Window().Current; img != nil {
		a.frames.Add(1)
		a.out.Publish(img)
	}
}

// Move applies a slide command. Commands other than NextImage and
// PreviousImage are ignored.
func (a *Animator) Move(cmd types.Command) {
	if !cmd.IsSlide() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Sliding {
		if cmd == a.current {
			a.velocity *= a.cfg.Accelerate
			slog.Debug("slide: accelerating", "command", cmd.String(), "velocity", a.velocity)
		} else {
			a.velocity = -math.Copysign(a.cfg.Pace, a.velocity)
			a.current = cmd
			slog.Debug("slide: reversing", "command", cmd.String(), "offset", a.offset)
		}
		return
	}

	if a.store.Len() == 0 {
		return
	}

	w := a.store.Window()
	source, target := w.Current, w.Previous
	a.velocity = a.cfg.Pace
	if cmd == types.NextImage {
		target = w.Next
		a.velocity = -a.cfg.Pace
	}

	a.width, a.height = canvasSize(source, target)
	a.source = fit(source, a.width, a.height)
	a.target = fit(target, a.width, a.height)
	a.original, a.current = cmd, cmd
	a.offset = 0
	a.state = Sliding
	a.started.Add(1)

	slog.Debug("slide: started",
		"command", cmd.String(),
		"width", a.width,
		"height", a.height,
		"index", a.store.Index(),
	)

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Step advances the slide by one tick, publishes the rendered frame and
// reports whether the animator is still sliding.
func (a *Animator) Step() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Sliding {
		return false
	}

	half := float64(a.width) / 2
	accel := math.Max(20-math.Abs(math.Abs(a.offset)-half)/40, 2)
	a.offset += a.velocity*accel + a.velocity

	bound := float64(a.width)
	a.offset = math.Max(-bound, math.Min(bound, a.offset))

	rendered := int(math.Round(a.offset))
	if a.width > 0 && a.height > 0 {
		frame := renderSlide(a.width, a.height, a.source, a.target, rendered, a.original == types.NextImage)
		a.frames.Add(1)
		a.out.Publish(frame)
	}

	if !a.finishedLocked() {
		return true
	}

	if a.current == a.original {
		a.completed.Add(1)
		a.store.Rotate(a.original == types.NextImage)
		slog.Debug("slide: completed", "command", a.original.String(), "index", a.store.Index())
		if abs(rendered) != a.width || a.height == 0 {
			a.EmitCurrent()
		}
	} else {
		a.reversed.Add(1)
		slog.Debug("slide: returned to start", "command", a.original.String())
	}

	a.state = Idle
	a.source, a.target = nil, nil
	a.offset, a.velocity = 0, 0
	return false
}

// finishedLocked reports whether the slide reached its end. The travel
// distance is the canvas width even when the source is missing.
func (a *Animator) finishedLocked() bool {
	travel := float64(a.width)

	if a.current == a.original {
		return (a.velocity > 0 && a.offset >= travel) || (a.velocity < 0 && a.offset <= -travel)
	}
	return (a.velocity > 0 && a.offset >= 0) || (a.velocity < 0 && a.offset <= 0)
}

// Run consumes commands until the input ends. A ticker goroutine advances
// the slide while one is in progress.
func (a *Animator) Run(ctx context.Context, in *broadcast.Subscription[types.Command]) error {
	tickCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.tickLoop(tickCtx)
	}()

	slog.Info("slide: animator started", "pictures", a.store.Len(), "fps", a.cfg.FPS)
	a.EmitCurrent()

	var err error
	for {
		var cmd types.Command
		cmd, err = in.Receive(ctx)
		if err != nil {
			break
		}
		a.Move(cmd)
	}

	cancel()
	wg.Wait()
	a.store.Wait()

	slog.Info("slide: animator stopped", "reason", err)
	return a.out.Finish(err)
}

func (a *Animator) tickLoop(ctx context.Context) {
	interval := time.Second / time.Duration(max(a.cfg.FPS, 1))

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		}

		ticker := time.NewTicker(interval)
		for sliding := true; sliding; {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				sliding = a.Step()
			}
		}
		ticker.Stop()
	}
}

// Stats is a snapshot of animator counters.
type Stats struct {
	State     string `json:"state"`
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Reversed  uint64 `json:"reversed"`
	Frames    uint64 `json:"frames"`
	Index     int    `json:"index"`
}

// Stats returns current counters.
func (a *Animator) Stats() Stats {
	return Stats{
		State:     a.State().String(),
		Started:   a.started.Load(),
		Completed: a.completed.Load(),
		Reversed:  a.reversed.Load(),
		Frames:    a.frames.Load(),
		Index:     a.store.Index(),
	}
}

func canvasSize(a, b *image.RGBA) (int, int) {
	var w, h int
	for _, img := range []*image.RGBA{a, b} {
		if img == nil {
			continue
		}
		w = max(w, img.Bounds().Dx())
		h = max(h, img.Bounds().Dy())
	}
	return w, h
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
