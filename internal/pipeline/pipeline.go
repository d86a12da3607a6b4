// Package pipeline builds the compositing network and runs it.
//
// Topology (leaves first):
//
//	skeleton ──► gesture ──► commands ─┬─► slide ──► slides ──► fade ──► backgrounds ─┐
//	                          ▲        └──────────────────────► fade                  │
//	            Inject ───────┘                                                       ▼
//	depth ─┐                                                                      compose ──► output
//	       ├─► join ─────────────────────────────────────────────────────────────────┘
//	color ─┘
//
// Every edge is a broadcast subscription created by Build, so nothing
// published after Start is missed. Frame edges are latest-wins (capacity 1),
// command edges bounded FIFO. Completion and faults flow downstream through
// the same edges: stopping the sensor ends the whole network.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/compose"
	"github.com/e7canasta/greenscreen/internal/fade"
	"github.com/e7canasta/greenscreen/internal/gesture"
	"github.com/e7canasta/greenscreen/internal/join"
	"github.com/e7canasta/greenscreen/internal/pictures"
	"github.com/e7canasta/greenscreen/internal/sensor"
	"github.com/e7canasta/greenscreen/internal/slide"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Sensor is the sensor side of the network.
type Sensor interface {
	compose.Mapper

	Depth() *broadcast.Broadcast[*types.DepthFrame]
	Color() *broadcast.Broadcast[*types.ColorFrame]
	Skeleton() *broadcast.Broadcast[*types.SkeletonSnapshot]

	SetRange(r types.DepthRange) error
	Range() types.DepthRange
	IsReady() bool

	// Run feeds the three broadcasts until ctx ends, then completes them.
	Run(ctx context.Context) error
}

// Config holds the parameters of every stage.
type Config struct {
	Gesture    gesture.Config
	Slide      slide.Config
	Green      fade.Config
	Compositor compose.Config
	// Warmup measures the depth feed for this long after Start (0 = off).
	Warmup time.Duration
}

// DefaultConfig returns every stage's defaults.
func DefaultConfig() Config {
	return Config{
		Gesture: gesture.Config{
			Pose:  gesture.DefaultPoseConfig(),
			Swipe: gesture.DefaultSwipeConfig(),
		},
		Slide:      slide.DefaultConfig(),
		Green:      fade.DefaultConfig(),
		Compositor: compose.DefaultConfig(),
	}
}

// Deps are the external collaborators.
type Deps struct {
	Sensor   Sensor
	Pictures *pictures.Store
	// Swipes is the swipe engine; nil selects gesture.HandSwipe.
	Swipes gesture.SwipeDetector
}

const commandQueue = 8

// Pipeline is a built network.
type Pipeline struct {
	session string
	cfg     Config
	sensor  Sensor

	commands    *broadcast.Broadcast[types.Command]
	slides      *broadcast.Broadcast[*image.RGBA]
	backgrounds *broadcast.Broadcast[*image.RGBA]
	output      *broadcast.Broadcast[*types.CompositeFrame]
	frames      *join.Join[*types.DepthFrame, *types.ColorFrame]

	recognizer  *gesture.Recognizer
	animator    *slide.Animator
	transformer *fade.Transformer
	compositor  *compose.Compositor

	skeletonIn  *broadcast.Subscription[*types.SkeletonSnapshot]
	slideCmds   *broadcast.Subscription[types.Command]
	fadeCmds    *broadcast.Subscription[types.Command]
	fadeImages  *broadcast.Subscription[*image.RGBA]
	depthIn     *broadcast.Subscription[*types.DepthFrame]
	colorIn     *broadcast.Subscription[*types.ColorFrame]
	composeBg   *broadcast.Subscription[*image.RGBA]
	warmupDepth *broadcast.Subscription[*types.DepthFrame]

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}
	err       error

	injected atomic.Uint64
}

// Build wires the network in topological order. Nothing runs until Start.
func Build(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Sensor == nil {
		return nil, errors.New("pipeline: sensor is required")
	}
	if deps.Pictures == nil {
		deps.Pictures = pictures.NewStore(nil, nil)
	}
	if deps.Swipes == nil {
		deps.Swipes = gesture.NewHandSwipe(cfg.Gesture.Swipe)
	}

	p := &Pipeline{
		session:     uuid.NewString(),
		cfg:         cfg,
		sensor:      deps.Sensor,
		commands:    broadcast.New[types.Command]("commands"),
		slides:      broadcast.New[*image.RGBA]("slides"),
		backgrounds: broadcast.New[*image.RGBA]("backgrounds"),
		output:      broadcast.New[*types.CompositeFrame]("output"),
		frames:      join.New[*types.DepthFrame, *types.ColorFrame](),
	}

	var (
		errs []error
		err  error
	)

	// gesture: skeleton → commands
	p.recognizer = gesture.New(p.commands, deps.Swipes, cfg.Gesture.Pose)
	p.skeletonIn, err = deps.Sensor.Skeleton().Subscribe("gesture", 1)
	errs = append(errs, err)

	// slide: commands → slides
	p.animator = slide.New(deps.Pictures, p.slides, cfg.Slide)
	p.slideCmds, err = p.commands.SubscribeFunc("slide", commandQueue, slide.Accepts)
	errs = append(errs, err)

	// fade: slides + commands → backgrounds
	p.transformer, err = fade.New(p.backgrounds, cfg.Green)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.fadeImages, err = p.slides.Subscribe("fade", 1)
	errs = append(errs, err)
	p.fadeCmds, err = p.commands.SubscribeFunc("fade", commandQueue, fade.Accepts)
	errs = append(errs, err)

	// join: depth + color
	p.depthIn, err = deps.Sensor.Depth().Subscribe("join", 1)
	errs = append(errs, err)
	p.colorIn, err = deps.Sensor.Color().Subscribe("join", 1)
	errs = append(errs, err)

	// compose: pairs + backgrounds → output
	p.compositor = compose.New(deps.Sensor, p.output, cfg.Compositor)
	p.composeBg, err = p.backgrounds.Subscribe("compose", 1)
	errs = append(errs, err)

	if cfg.Warmup > 0 {
		p.warmupDepth, err = deps.Sensor.Depth().Subscribe("warmup", 1)
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: wiring: %w", err)
	}

	slog.Info("pipeline: built",
		"session", p.session,
		"pictures", deps.Pictures.Len(),
		"workers", cfg.Compositor.Workers,
	)
	return p, nil
}

// Start launches every stage. It returns at once.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pipeline: already started")
	}
	p.started = true
	p.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	g := new(errgroup.Group)
	p.group = g

	g.Go(func() error { return p.sensor.Run(runCtx) })
	g.Go(func() error { return p.recognizer.Run(runCtx, p.skeletonIn) })
	g.Go(func() error { return p.animator.Run(runCtx, p.slideCmds) })
	g.Go(func() error { return p.transformer.Run(runCtx, p.fadeImages, p.fadeCmds) })
	g.Go(func() error { return feed(runCtx, p.depthIn, p.frames.OfferLeft, p.frames) })
	g.Go(func() error { return feed(runCtx, p.colorIn, p.frames.OfferRight, p.frames) })
	g.Go(func() error { return p.compositor.Run(runCtx, p.frames, p.composeBg) })

	if p.warmupDepth != nil {
		go func() {
			if _, err := sensor.Warmup(runCtx, p.warmupDepth, p.cfg.Warmup); err != nil {
				slog.Debug("pipeline: warmup interrupted", "error", err)
			}
		}()
	}

	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
		slog.Info("pipeline: stopped", "session", p.session, "error", err)
	}()

	slog.Info("pipeline: started", "session", p.session)
	return nil
}

// feed offers every value of sub to the join and ends the join when sub
// ends.
func feed[T any](ctx context.Context, sub *broadcast.Subscription[T], offer func(T),
	frames *join.Join[*types.DepthFrame, *types.ColorFrame],
) error {
	for {
		v, err := sub.Receive(ctx)
		if err != nil {
			if broadcast.IsTerminal(err) || errors.Is(err, context.Canceled) {
				frames.Complete()
				return nil
			}
			frames.Fault(err)
			return err
		}
		offer(v)
	}
}

// Wait blocks until every stage returned and reports the first fault.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return errors.New("pipeline: not started")
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop cancels the network and waits for it, up to ctx's deadline.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	slog.Info("pipeline: stopping", "session", p.session)
	cancel()

	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("pipeline: stop: %w", ctx.Err())
	}
}

// Inject publishes a command as if it had been recognized.
func (p *Pipeline) Inject(cmd types.Command) {
	p.injected.Add(1)
	slog.Info("pipeline: command injected", "command", cmd.String())
	p.commands.Publish(cmd)
}

// SetRange forwards the depth range to the sensor.
func (p *Pipeline) SetRange(r types.DepthRange) error {
	if err := p.sensor.SetRange(r); err != nil {
		return fmt.Errorf("pipeline: set range: %w", err)
	}
	return nil
}

// Session returns the id of this pipeline instance.
func (p *Pipeline) Session() string { return p.session }

// Output is the composite frame broadcast consumed by sinks.
func (p *Pipeline) Output() *broadcast.Broadcast[*types.CompositeFrame] { return p.output }

// Commands is the command broadcast: recognized and injected commands.
func (p *Pipeline) Commands() *broadcast.Broadcast[types.Command] { return p.commands }

// Backgrounds is the broadcast of the active background.
func (p *Pipeline) Backgrounds() *broadcast.Broadcast[*image.RGBA] { return p.backgrounds }

// Ready reports whether the sensor is producing frames.
func (p *Pipeline) Ready() bool { return p.sensor.IsReady() }
