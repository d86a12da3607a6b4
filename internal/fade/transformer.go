// Package fade implements the fade between the live background picture and
// a solid green field.
//
// States: ImageOnly, GreenOnly and Fading. A command toward the opposite
// terminal state starts (or turns around) a fade; a ticker moves the level
// one step per interval until it reaches 0 or 1 and the transformer settles.
package fade

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Config parameterizes the fade.
type Config struct {
	Color    string        `yaml:"color"`
	Step     float64       `yaml:"step"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the default fade: GreenYellow, 0.1 per 100ms.
func DefaultConfig() Config {
	return Config{Color: "#ADFF2F", Step: 0.1, Interval: 100 * time.Millisecond}
}

// State names the transformer state.
type State int

const (
	ImageOnly State = iota
	GreenOnly
	Fading
)

func (s State) String() string {
	switch s {
	case GreenOnly:
		return "green_only"
	case Fading:
		return "fading"
	default:
		return "image_only"
	}
}

const levelEpsilon = 1e-9

// Transformer consumes background frames and fade commands and publishes
// the active background.
type Transformer struct {
	out   *broadcast.Broadcast[*image.RGBA]
	field color.RGBA
	cfg   Config

	mu         sync.Mutex
	state      State
	direction  float64
	level      float64
	lastInput  *image.RGBA
	lastOutput *image.RGBA

	wake chan struct{}

	rendered atomic.Uint64
	fades    atomic.Uint64
}

// New creates a transformer in ImageOnly.
func New(out *broadcast.Broadcast[*image.RGBA], cfg Config) (*Transformer, error) {
	field, err := ParseColor(cfg.Color)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		out:   out,
		field: field,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
	}, nil
}

// Accepts is the subscription filter for the transformer's command input.
func Accepts(c types.Command) bool { return c.IsFade() }

// State returns the current state and fade level.
func (t *Transformer) State() (State, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.level
}

// Command applies a fade command. Other commands are ignored.
func (t *Transformer) Command(cmd types.Command) {
	var dir float64
	switch cmd {
	case types.ToGreenScreen:
		dir = 1
	case types.FromGreenScreen:
		dir = -1
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if (dir > 0 && t.state == GreenOnly) || (dir < 0 && t.state == ImageOnly) {
		return
	}

	t.direction = dir
	if t.state != Fading {
		t.state = Fading
		t.fades.Add(1)
		slog.Debug("fade: started", "command", cmd.String(), "level", t.level)
		select {
		case t.wake <- struct{}{}:
		default:
		}
	} else {
		slog.Debug("fade: direction changed", "command", cmd.String(), "level", t.level)
	}
}

// Image accepts a new background frame and publishes the active output.
func (t *Transformer) Image(img *image.RGBA) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if img != nil {
		t.lastInput = img
	}
	t.renderLocked()
}

// Step advances an in-progress fade by one tick, re-renders from the last
// input, and reports whether the fade continues.
func (t *Transformer) Step() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Fading {
		return false
	}

	t.level += t.cfg.Step * t.direction
	switch {
	case t.level >= 1-levelEpsilon:
		t.level = 1
	case t.level <= levelEpsilon:
		t.level = 0
	}

	t.renderLocked()

	switch t.level {
	case 1:
		t.state = GreenOnly
		slog.Debug("fade: settled", "state", t.state.String())
	case 0:
		t.state = ImageOnly
		slog.Debug("fade: settled", "state", t.state.String())
	}
	return t.state == Fading
}

// renderLocked publishes the output for the current state. Nothing is
// published before the first input frame.
func (t *Transformer) renderLocked() {
	src := t.lastInput
	if src == nil {
		src = t.lastOutput
	}
	if src == nil {
		return
	}

	var frame *image.RGBA
	switch t.state {
	case ImageOnly:
		frame = src
	case GreenOnly:
		frame = t.lastOutput
		if frame == nil {
			frame = blend(src, t.field, 1)
		}
	case Fading:
		frame = blend(src, t.field, t.level)
	}

	t.lastOutput = frame
	t.rendered.Add(1)
	t.out.Publish(frame)
}

// Run consumes background frames and commands until either input ends.
func (t *Transformer) Run(ctx context.Context,
	images *broadcast.Subscription[*image.RGBA],
	commands *broadcast.Subscription[types.Command],
) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first loop to end decides how the output ends.
	var (
		once  sync.Once
		cause error
	)
	stop := func(err error) error {
		once.Do(func() { cause = err })
		cancel()
		return err
	}

	slog.Info("fade: transformer started", "step", t.cfg.Step, "interval", t.cfg.Interval)

	g := new(errgroup.Group)
	g.Go(func() error {
		for {
			img, err := images.Receive(runCtx)
			if err != nil {
				return stop(err)
			}
			t.Image(img)
		}
	})
	g.Go(func() error {
		for {
			cmd, err := commands.Receive(runCtx)
			if err != nil {
				return stop(err)
			}
			t.Command(cmd)
		}
	})
	g.Go(func() error {
		t.tickLoop(runCtx)
		return nil
	})

	_ = g.Wait()
	slog.Info("fade: transformer stopped", "reason", cause)
	return t.out.Finish(cause)
}

func (t *Transformer) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}

		ticker := time.NewTicker(t.cfg.Interval)
		for fading := true; fading; {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				fading = t.Step()
			}
		}
		ticker.Stop()
	}
}

// Stats is a snapshot of transformer state and counters.
type Stats struct {
	State    string  `json:"state"`
	Level    float64 `json:"level"`
	Fades    uint64  `json:"fades"`
	Rendered uint64  `json:"rendered"`
}

// Stats returns current state and counters.
func (t *Transformer) Stats() Stats {
	st, level := t.State()
	return Stats{
		State:    st.String(),
		Level:    math.Round(level*100) / 100,
		Fades:    t.fades.Load(),
		Rendered: t.rendered.Load(),
	}
}
