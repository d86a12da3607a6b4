package sensor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/greenscreen/internal/backoff"
	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

// SupervisorConfig parameterizes Supervisor.
type SupervisorConfig struct {
	Reconnect backoff.Config
	Range     types.DepthRange
	// Recorder, when set, is attached to every connected device.
	Recorder *Recorder
}

// Supervisor owns the three sensor streams and keeps them fed across
// device loss. While no device is connected the streams stay open and
// silent, IsReady is false, and MapDepthToColor returns ErrNotReady.
type Supervisor struct {
	connect ConnectFunc
	cfg     SupervisorConfig

	depth    *Stream[*types.DepthFrame]
	color    *Stream[*types.ColorFrame]
	skeleton *Stream[*types.SkeletonSnapshot]

	mu  sync.RWMutex
	dev Device
	rng types.DepthRange

	retries     backoff.State
	connects    atomic.Uint64
	disconnects atomic.Uint64
}

// NewSupervisor creates a supervisor. Nothing connects until Run.
func NewSupervisor(connect ConnectFunc, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		connect:  connect,
		cfg:      cfg,
		rng:      cfg.Range,
		depth:    NewStream[*types.DepthFrame]("depth"),
		color:    NewStream[*types.ColorFrame]("color"),
		skeleton: NewSkeletonStream("skeleton"),
	}
}

func (s *Supervisor) Depth() *broadcast.Broadcast[*types.DepthFrame] { return s.depth.Source() }

func (s *Supervisor) Color() *broadcast.Broadcast[*types.ColorFrame] { return s.color.Source() }

func (s *Supervisor) Skeleton() *broadcast.Broadcast[*types.SkeletonSnapshot] {
	return s.skeleton.Source()
}

// IsReady reports whether a connected device is producing frames.
func (s *Supervisor) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev != nil && s.dev.IsReady()
}

// SetRange applies r to the connected device and to every later one.
func (s *Supervisor) SetRange(r types.DepthRange) error {
	s.mu.Lock()
	s.rng = r
	dev := s.dev
	s.mu.Unlock()

	slog.Info("sensor: depth range set", "range", r.String())
	if dev == nil {
		return nil
	}
	return dev.SetRange(r)
}

// Range returns the requested depth range.
func (s *Supervisor) Range() types.DepthRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rng
}

// MapDepthToColor delegates to the connected device.
func (s *Supervisor) MapDepthToColor(df types.DepthFormat, depth []uint16, cf types.ColorFormat, out []types.ColorPoint) error {
	s.mu.RLock()
	dev := s.dev
	s.mu.RUnlock()
	if dev == nil {
		return ErrNotReady
	}
	return dev.MapDepthToColor(df, depth, cf, out)
}

// Run connects, serves, and reconnects until ctx ends or a device reports
// the end of its data; either completes the three streams. A device error
// other than disconnection faults them and is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		dev, err := s.connectDevice(ctx)
		if err != nil {
			s.complete()
			return nil
		}

		err = s.serve(ctx, dev)
		switch {
		case err == nil:
			slog.Info("sensor: device finished, completing streams")
			s.complete()
			return nil
		case ctx.Err() != nil:
			s.complete()
			return nil
		case errors.Is(err, ErrDisconnected):
			s.disconnects.Add(1)
			slog.Warn("sensor: device lost, reconnecting", "disconnects", s.disconnects.Load())
		default:
			slog.Error("sensor: device failed", "error", err)
			s.depth.Fault(err)
			s.color.Fault(err)
			s.skeleton.Fault(err)
			return err
		}
	}
}

// connectDevice retries until a device opens or ctx ends. Exhausting the
// backoff schedule only pauses before starting over.
func (s *Supervisor) connectDevice(ctx context.Context) (Device, error) {
	for {
		var dev Device
		err := backoff.Run(ctx, "sensor", func(ctx context.Context) error {
			d, err := s.connect(ctx)
			if err != nil {
				return err
			}
			dev = d
			return nil
		}, s.cfg.Reconnect, &s.retries)
		if err == nil {
			return dev, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		slog.Warn("sensor: no device, waiting", "error", err, "pause", s.cfg.Reconnect.MaxRetryDelay)
		timer := time.NewTimer(s.cfg.Reconnect.MaxRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Supervisor) serve(ctx context.Context, dev Device) error {
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("sensor: close failed", "error", err)
		}
	}()

	s.depth.Attach(dev.HandleDepth)
	s.color.Attach(dev.HandleColor)
	s.skeleton.Attach(dev.HandleSkeleton)
	defer func() {
		s.depth.Detach()
		s.color.Detach()
		s.skeleton.Detach()
	}()

	if s.cfg.Recorder != nil {
		defer s.cfg.Recorder.Attach(dev)()
	}

	for _, kind := range []StreamKind{StreamDepth, StreamColor, StreamSkeleton} {
		if err := dev.Enable(kind); err != nil {
			return err
		}
	}

	s.mu.Lock()
	rng := s.rng
	s.dev = dev
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.dev = nil
		s.mu.Unlock()
	}()

	if err := dev.SetRange(rng); err != nil {
		slog.Warn("sensor: range not applied", "range", rng.String(), "error", err)
	}

	s.connects.Add(1)
	slog.Info("sensor: device connected", "connects", s.connects.Load(), "range", rng.String())

	return dev.Run(ctx)
}

func (s *Supervisor) complete() {
	s.depth.Complete()
	s.color.Complete()
	s.skeleton.Complete()
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	Ready       bool   `json:"ready"`
	Range       string `json:"range"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
	Retries     uint64 `json:"failed_attempts"`
	Depth       uint64 `json:"depth_frames"`
	Color       uint64 `json:"color_frames"`
	Skeleton    uint64 `json:"skeleton_frames"`
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Ready:       s.IsReady(),
		Range:       s.Range().String(),
		Connects:    s.connects.Load(),
		Disconnects: s.disconnects.Load(),
		Retries:     s.retries.Total.Load(),
		Depth:       s.depth.Received(),
		Color:       s.color.Received(),
		Skeleton:    s.skeleton.Received(),
	}
}
