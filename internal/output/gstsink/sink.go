// Package gstsink renders composite frames through a GStreamer pipeline:
// a local window, an RTMP stream or a Matroska file.
package gstsink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"golang.org/x/image/draw"

	"github.com/e7canasta/greenscreen/internal/backoff"
	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

// eosTimeout bounds the wait for the pipeline to drain after the feed ends.
const eosTimeout = 5 * time.Second

var errPush = errors.New("gstsink: appsrc refused buffer")

// Config configures the sink.
type Config struct {
	Mode      string
	Location  string
	FPS       int
	Bitrate   int // kbps
	Reconnect backoff.Config
}

// Sink pushes composite frames into an appsrc. A failed pipeline is rebuilt
// with exponential backoff; the frame subscription survives rebuilds.
type Sink struct {
	cfg   Config
	state backoff.State

	feedErr error // set when the feed faulted

	pushed   atomic.Uint64
	resized  atomic.Uint64
	sessions atomic.Uint64
	errors   [4]atomic.Uint64 // by ErrorCategory
}

// New creates a sink. Nothing runs until Run.
func New(cfg Config) *Sink {
	return &Sink{cfg: cfg}
}

// Run drives pipelines until the feed ends, ctx is cancelled, or the
// reconnect retries are exhausted. A feed fault is returned as is.
func (s *Sink) Run(ctx context.Context, frames *broadcast.Subscription[*types.CompositeFrame]) error {
	defer frames.Close()

	err := backoff.Run(ctx, "gstsink", func(ctx context.Context) error {
		return s.session(ctx, frames)
	}, s.cfg.Reconnect, &s.state)

	switch {
	case s.feedErr != nil:
		return s.feedErr
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("gstsink: %w", err)
	}
}

// session runs one pipeline. nil means the feed ended or ctx was cancelled.
func (s *Sink) session(ctx context.Context, frames *broadcast.Subscription[*types.CompositeFrame]) error {
	first, err := frames.Receive(ctx)
	if err != nil {
		return s.feedEnded(err)
	}

	width, height := first.Width(), first.Height()
	desc, err := Describe(s.cfg, width, height)
	if err != nil {
		return err
	}

	gst.Init(nil)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		return fmt.Errorf("failed to find appsrc: %w", err)
	}
	src := app.SrcFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	n := s.sessions.Add(1)
	slog.Info("gstsink: pipeline started",
		"mode", s.cfg.Mode,
		"location", s.cfg.Location,
		"width", width,
		"height", height,
		"session", n,
	)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushDone := make(chan error, 1)
	go func() {
		pushDone <- s.push(sctx, src, frames, first, width, height)
	}()

	return s.monitor(sctx, pipeline, pushDone)
}

// feedEnded maps a Receive error to a session result.
func (s *Sink) feedEnded(err error) error {
	if broadcast.IsTerminal(err) || errors.Is(err, context.Canceled) {
		return nil
	}
	s.feedErr = err
	return nil
}

// push feeds frames until the subscription ends, ctx is cancelled, or the
// appsrc refuses a buffer. It returns the Receive error that ended the feed,
// nil on cancellation.
func (s *Sink) push(ctx context.Context, src *app.Source,
	frames *broadcast.Subscription[*types.CompositeFrame],
	f *types.CompositeFrame, width, height int,
) error {
	var scratch *image.RGBA
	for {
		img := f.Image
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height || img.Stride != 4*width {
			if scratch == nil {
				scratch = image.NewRGBA(image.Rect(0, 0, width, height))
			}
			draw.ApproxBiLinear.Scale(scratch, scratch.Bounds(), img, b, draw.Src, nil)
			img = scratch
			s.resized.Add(1)
		}

		if ret := src.PushBuffer(gst.NewBufferFromBytes(img.Pix)); ret != gst.FlowOK {
			return fmt.Errorf("%w: %v", errPush, ret)
		}
		s.pushed.Add(1)

		var err error
		f, err = frames.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			src.EndStream()
			return err
		}
	}
}

// monitor polls the bus until an error, the end of the stream, or ctx.
func (s *Sink) monitor(ctx context.Context, pipeline *gst.Pipeline, pushDone <-chan error) error {
	bus := pipeline.GetPipelineBus()
	var draining <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstsink: context cancelled, stopping pipeline monitor")
			return nil

		case err := <-pushDone:
			pushDone = nil
			switch {
			case err == nil:
				return nil
			case errors.Is(err, errPush):
				return err
			case !broadcast.IsTerminal(err):
				s.feedErr = err
			}
			draining = time.After(eosTimeout)

		case <-draining:
			slog.Warn("gstsink: timed out waiting for end of stream")
			return nil

		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				if draining != nil {
					slog.Info("gstsink: end of stream", "pushed", s.pushed.Load())
					return nil
				}
				return fmt.Errorf("unexpected end of stream")

			case gst.MessageError:
				gerr := msg.ParseError()
				category := classifyGError(gerr)
				s.errors[category].Add(1)

				slog.Error("gstsink: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
					"mode", s.cfg.Mode,
					"pushed", s.pushed.Load(),
				)
				if draining != nil {
					return nil
				}
				return fmt.Errorf("pipeline error [%s]: %s", category.String(), gerr.Error())

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					slog.Debug("gstsink: pipeline state changed", "from", old, "to", new)
					if new == gst.StatePlaying {
						s.state.Retries = 0
					}
				}
			}
		}
	}
}

// Stats contains sink counters.
type Stats struct {
	Sessions      uint64 `json:"sessions"`
	Pushed        uint64 `json:"pushed"`
	Resized       uint64 `json:"resized"`
	Failures      uint64 `json:"failures"`
	NetworkErrors uint64 `json:"network_errors"`
	CodecErrors   uint64 `json:"codec_errors"`
	AuthErrors    uint64 `json:"auth_errors"`
	UnknownErrors uint64 `json:"unknown_errors"`
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Sessions:      s.sessions.Load(),
		Pushed:        s.pushed.Load(),
		Resized:       s.resized.Load(),
		Failures:      s.state.Total.Load(),
		NetworkErrors: s.errors[ErrCategoryNetwork].Load(),
		CodecErrors:   s.errors[ErrCategoryCodec].Load(),
		AuthErrors:    s.errors[ErrCategoryAuth].Load(),
		UnknownErrors: s.errors[ErrCategoryUnknown].Load(),
	}
}
