// Package compose merges a synchronized (depth, color) pair with the current
// background into the final output frame.
//
// Per pair:
//  1. map every depth sample to color space (one call to the Mapper)
//  2. mark player cells in an opacity mask at depth resolution
//  3. convert the color buffer into an RGBA canvas
//  4. draw the background stretched over the output, then the color canvas
//     through the mask (mask and canvas scaled together, top-left aligned)
//
// Mask, coordinate and canvas buffers are pooled per worker id and resized
// only when frame dimensions change. The output image is always fresh.
package compose

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
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/join"
	"github.com/e7canasta/greenscreen/internal/types"
)

// ErrMalformedFrame reports a frame whose buffer does not match its header.
var ErrMalformedFrame = errors.New("compose: malformed frame")

// Mapper maps every depth sample to color space. out has one entry per
// depth sample.
type Mapper interface {
	MapDepthToColor(df types.DepthFormat, depth []uint16, cf types.ColorFormat, out []types.ColorPoint) error
}

// Pair is one synchronized depth/color tuple.
type Pair = join.Pair[*types.DepthFrame, *types.ColorFrame]

// Config parameterizes the compositor.
type Config struct {
	Workers int `yaml:"workers"`
}

// DefaultConfig returns a single merge worker.
func DefaultConfig() Config { return Config{Workers: 1} }

// buffers is the scratch state owned by one worker.
type buffers struct {
	points    []types.ColorPoint
	mask      *image.Alpha
	colorMask *image.Alpha
	canvas    *image.RGBA
}

// Compositor produces composite frames.
type Compositor struct {
	mapper Mapper
	out    *broadcast.Broadcast[*types.CompositeFrame]
	cfg    Config

	poolMu sync.Mutex
	pool   map[int]*buffers

	background atomic.Pointer[image.RGBA]
	seq        atomic.Uint64

	merged        atomic.Uint64
	skippedNoBg   atomic.Uint64
	mapFailures   atomic.Uint64
	lastMergeNano atomic.Int64
}

// New creates a compositor publishing on out.
func New(mapper Mapper, out *broadcast.Broadcast[*types.CompositeFrame], cfg Config) *Compositor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Compositor{
		mapper: mapper,
		out:    out,
		cfg:    cfg,
		pool:   make(map[int]*buffers),
	}
}

// acquire returns the buffers of workerID sized for the pair.
func (c *Compositor) acquire(workerID int, d *types.DepthFrame, f *types.ColorFrame) *buffers {
	c.poolMu.Lock()
	b, ok := c.pool[workerID]
	if !ok {
		b = &buffers{}
		c.pool[workerID] = b
	}
	c.poolMu.Unlock()

	n := d.Width * d.Height
	if cap(b.points) < n {
		b.points = make([]types.ColorPoint, n)
	}
	b.points = b.points[:n]
	clear(b.points)

	if b.mask == nil || !sizeIs(b.mask.Rect, d.Width, d.Height) {
		b.mask = image.NewAlpha(image.Rect(0, 0, d.Width, d.Height))
	}
	if b.colorMask == nil || !sizeIs(b.colorMask.Rect, f.Width, f.Height) {
		b.colorMask = image.NewAlpha(image.Rect(0, 0, f.Width, f.Height))
	}
	if b.canvas == nil || !sizeIs(b.canvas.Rect, f.Width, f.Height) {
		b.canvas = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}
	return b
}

func sizeIs(r image.Rectangle, w, h int) bool { return r.Dx() == w && r.Dy() == h }

// Merge composes one pair over background. It returns nil, nil when the
// mapping is unavailable for this pair. Buffers of workerID must not be
// used concurrently.
func (c *Compositor) Merge(workerID int, p Pair, background *image.RGBA) (*types.CompositeFrame, error) {
	d, f := p.Left, p.Right
	if d == nil || f == nil || background == nil {
		return nil, nil
	}
	if len(d.Pixels) != d.Width*d.Height || d.Width == 0 {
		return nil, fmt.Errorf("%w: depth %dx%d with %d samples", ErrMalformedFrame, d.Width, d.Height, len(d.Pixels))
	}

	b := c.acquire(workerID, d, f)

	if err := c.mapper.MapDepthToColor(d.Format, d.Pixels, f.Format, b.points); err != nil {
		c.mapFailures.Add(1)
		slog.Debug("compose: depth mapping unavailable", "error", err, "depth_seq", d.Seq)
		return nil, nil
	}

	buildMask(d, b.points, b.mask)
	if err := extractColor(f, b.canvas); err != nil {
		return nil, err
	}
	draw.NearestNeighbor.Scale(b.colorMask, b.colorMask.Rect, b.mask, b.mask.Rect, draw.Src, nil)

	bb := background.Bounds()
	w := max(bb.Dx(), f.Width)
	h := max(bb.Dy(), f.Height)
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	if sizeIs(bb, w, h) {
		draw.Draw(out, out.Rect, background, bb.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(out, out.Rect, background, bb, draw.Src, nil)
	}

	// Fill the output keeping the color aspect ratio, cropped at the
	// bottom/right edges.
	scale := max(float64(w)/float64(f.Width), float64(h)/float64(f.Height))
	player := image.Rect(0, 0, int(float64(f.Width)*scale+0.5), int(float64(f.Height)*scale+0.5))
	draw.NearestNeighbor.Scale(out, player, b.canvas, b.canvas.Rect, draw.Over,
		&draw.Options{SrcMask: b.colorMask})

	c.merged.Add(1)
	c.lastMergeNano.Store(time.Now().UnixNano())

	return &types.CompositeFrame{
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
		TraceID:   traceID(d, f),
		Image:     out,
	}, nil
}

func traceID(d *types.DepthFrame, f *types.ColorFrame) string {
	switch {
	case d.TraceID != "":
		return d.TraceID
	case f.TraceID != "":
		return f.TraceID
	default:
		return uuid.NewString()
	}
}

// Run merges pairs from frames with the latest value of backgrounds until
// frames ends. Pairs that arrive before any background are skipped.
func (c *Compositor) Run(ctx context.Context,
	frames *join.Join[*types.DepthFrame, *types.ColorFrame],
	backgrounds *broadcast.Subscription[*image.RGBA],
) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once  sync.Once
		cause error
	)
	stop := func(err error) {
		once.Do(func() { cause = err })
		cancel()
	}

	slog.Info("compose: compositor started", "workers", c.cfg.Workers)

	// Background ending is not the end of the output: the last value is kept.
	go func() {
		for {
			img, err := backgrounds.Receive(runCtx)
			if err != nil {
				if !broadcast.IsTerminal(err) && !errors.Is(err, context.Canceled) {
					stop(err)
				}
				return
			}
			c.background.Store(img)
		}
	}()

	g := new(errgroup.Group)
	for id := 0; id < c.cfg.Workers; id++ {
		g.Go(func() error {
			for {
				p, err := frames.Receive(runCtx)
				if err != nil {
					if errors.Is(err, join.ErrCompleted) {
						err = broadcast.ErrCompleted
					}
					stop(err)
					return err
				}

				bg := c.background.Load()
				if bg == nil {
					c.skippedNoBg.Add(1)
					continue
				}

				frame, err := c.Merge(id, p, bg)
				if err != nil {
					stop(err)
					return err
				}
				if frame != nil {
					c.out.Publish(frame)
				}
			}
		})
	}
	_ = g.Wait()

	slog.Info("compose: compositor stopped", "reason", cause, "merged", c.merged.Load())
	return c.out.Finish(cause)
}

// Stats is a snapshot of compositor counters.
type Stats struct {
	Merged       uint64    `json:"merged"`
	SkippedNoBg  uint64    `json:"skipped_no_background"`
	MapFailures  uint64    `json:"map_failures"`
	LastMergedAt time.Time `json:"last_merged_at"`
	PooledBufs   int       `json:"pooled_buffers"`
}

// Stats returns current counters.
func (c *Compositor) Stats() Stats {
	c.poolMu.Lock()
	pooled := len(c.pool)
	c.poolMu.Unlock()

	var last time.Time
	if n := c.lastMergeNano.Load(); n > 0 {
		last = time.Unix(0, n)
	}
	return Stats{
		Merged:       c.merged.Load(),
		SkippedNoBg:  c.skippedNoBg.Load(),
		MapFailures:  c.mapFailures.Load(),
		LastMergedAt: last,
		PooledBufs:   pooled,
	}
}
