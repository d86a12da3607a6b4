// Package types holds the value types that flow between pipeline stages.
//
// Frames are immutable once published: producers allocate, consumers read.
// Sharing a frame between several subscribers is safe by reference.
package types

import (
	"fmt"
	"image"
	"time"
)

// DepthFormat identifies the resolution of a depth stream.
type DepthFormat int

const (
	DepthUndefined DepthFormat = iota
	Depth80x60
	Depth320x240
	Depth640x480
)

// Size returns the pixel dimensions of the format.
func (f DepthFormat) Size() (width, height int) {
	switch f {
	case Depth80x60:
		return 80, 60
	case Depth320x240:
		return 320, 240
	case Depth640x480:
		return 640, 480
	default:
		return 0, 0
	}
}

func (f DepthFormat) String() string {
	w, h := f.Size()
	if w == 0 {
		return "undefined"
	}
	return fmt.Sprintf("depth-%dx%d", w, h)
}

// ColorFormat identifies the resolution and pixel layout of a color stream.
type ColorFormat int

const (
	ColorUndefined ColorFormat = iota
	// ColorBGRX640x480 is 4 bytes per pixel, blue first, fourth byte unused.
	ColorBGRX640x480
	// ColorRGBA640x480 is 4 bytes per pixel in image.RGBA order.
	ColorRGBA640x480
	// ColorRGB640x480 is 3 bytes per pixel (GStreamer video/x-raw,format=RGB).
	ColorRGB640x480
)

// Size returns the pixel dimensions of the format.
func (f ColorFormat) Size() (width, height int) {
	switch f {
	case ColorBGRX640x480, ColorRGBA640x480, ColorRGB640x480:
		return 640, 480
	default:
		return 0, 0
	}
}

// BytesPerPixel returns the stride of a single pixel in the raw buffer.
func (f ColorFormat) BytesPerPixel() int {
	switch f {
	case ColorRGB640x480:
		return 3
	case ColorBGRX640x480, ColorRGBA640x480:
		return 4
	default:
		return 0
	}
}

func (f ColorFormat) String() string {
	switch f {
	case ColorBGRX640x480:
		return "bgrx-640x480"
	case ColorRGBA640x480:
		return "rgba-640x480"
	case ColorRGB640x480:
		return "rgb-640x480"
	default:
		return "undefined"
	}
}

// PlayerIndexBits is the number of low bits of a depth sample that carry
// the player index. The remaining bits are the distance in millimetres.
const PlayerIndexBits = 3

// PlayerIndexMask extracts the player index from a depth sample.
const PlayerIndexMask = 1<<PlayerIndexBits - 1

// DepthFrame is one capture of the depth stream.
type DepthFrame struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string

	Format DepthFormat
	Width  int
	Height int
	// Pixels holds one sample per pixel, row-major: distance<<3 | player.
	Pixels []uint16
	// ColorToDepthDivisor is color width / depth width.
	ColorToDepthDivisor int
}

// PixelDataLength is the number of samples in the frame.
func (f *DepthFrame) PixelDataLength() int { return len(f.Pixels) }

// PlayerIndex returns the player index of sample i (0 = no player).
func (f *DepthFrame) PlayerIndex(i int) int { return int(f.Pixels[i] & PlayerIndexMask) }

// ColorFrame is one capture of the color stream.
type ColorFrame struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string

	Format ColorFormat
	Width  int
	Height int
	// Pixels is the raw interleaved buffer in Format's layout.
	Pixels              []byte
	ColorToDepthDivisor int
}

// ColorPoint is a color-space coordinate produced by depth→color mapping.
type ColorPoint struct {
	X int
	Y int
}

// CompositeFrame is one composed output frame. Image is never modified
// after publication.
type CompositeFrame struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Image     *image.RGBA
}

// Width returns the frame width in pixels.
func (f *CompositeFrame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *CompositeFrame) Height() int { return f.Image.Bounds().Dy() }
