// Package sensor connects depth/color/skeleton devices to the pipeline.
//
// A Device is the driver boundary: it delivers frames through handler
// callbacks and maps depth samples to color space. The package turns those
// callbacks into three broadcast sources (Stream) and keeps them alive
// across device loss (Supervisor), so the pipeline is built once and
// survives hot-plug.
//
// Devices provided here:
//   - Synthetic: generated subject, scripted gestures, simulated frame loss
//   - Replay:    plays back a msgpack recording made by Recorder
package sensor

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/greenscreen/internal/types"
)

var (
	// ErrNotReady is returned by MapDepthToColor while no device is connected.
	ErrNotReady = errors.New("sensor: not ready")

	// ErrDisconnected is returned by Device.Run when the device went away.
	ErrDisconnected = errors.New("sensor: device disconnected")
)

// StreamKind names one of the three sensor feeds.
type StreamKind int

const (
	StreamDepth StreamKind = iota
	StreamColor
	StreamSkeleton
)

func (k StreamKind) String() string {
	switch k {
	case StreamDepth:
		return "depth"
	case StreamColor:
		return "color"
	case StreamSkeleton:
		return "skeleton"
	default:
		return fmt.Sprintf("stream(%d)", int(k))
	}
}

// Device is one connected sensor.
//
// Handlers are invoked from the device's own goroutine and must not block.
// The returned cancel func unregisters the handler; it is idempotent.
type Device interface {
	Enable(kind StreamKind) error
	SetRange(r types.DepthRange) error
	Range() types.DepthRange
	IsReady() bool

	HandleDepth(fn func(*types.DepthFrame)) (cancel func())
	HandleColor(fn func(*types.ColorFrame)) (cancel func())
	HandleSkeleton(fn func(*types.SkeletonSnapshot)) (cancel func())

	// MapDepthToColor fills out (one entry per depth sample) with the
	// color-space coordinate of each sample.
	MapDepthToColor(df types.DepthFormat, depth []uint16, cf types.ColorFormat, out []types.ColorPoint) error

	// Run produces frames until ctx is done or the device is lost
	// (ErrDisconnected). A nil return means the device has no more data.
	Run(ctx context.Context) error
	Close() error
}

// ConnectFunc opens a device.
type ConnectFunc func(ctx context.Context) (Device, error)

// linearMap maps each depth sample to the color pixel at the same relative
// position.
func linearMap(df types.DepthFormat, cf types.ColorFormat, out []types.ColorPoint) error {
	dw, dh := df.Size()
	cw, ch := cf.Size()
	if dw == 0 || cw == 0 {
		return fmt.Errorf("sensor: cannot map %s to %s", df, cf)
	}
	if len(out) < dw*dh {
		return fmt.Errorf("sensor: mapping buffer %d, want %d", len(out), dw*dh)
	}
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			out[x+y*dw] = types.ColorPoint{X: x * cw / dw, Y: y * ch / dh}
		}
	}
	return nil
}
