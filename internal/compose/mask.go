package compose

import (
	"fmt"
	"image"

	"github.com/e7canasta/greenscreen/internal/types"
)

const opaque = 0xff

// buildMask marks the player cells of depth in mask, which must be sized to
// the depth frame. points holds the depth→color mapping of every depth
// sample. A mapped cell at x > 0 marks itself and its left neighbour; x == 0
// is skipped since the neighbour would fall outside the row.
func buildMask(depth *types.DepthFrame, points []types.ColorPoint, mask *image.Alpha) int {
	clear(mask.Pix)

	w, h := depth.Width, depth.Height
	div := depth.ColorToDepthDivisor
	if div < 1 {
		div = 1
	}

	marked := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := x + y*w
			if depth.PlayerIndex(i) == 0 {
				continue
			}

			cx := points[i].X / div
			cy := points[i].Y / div
			if cx <= 0 || cx >= w || cy < 0 || cy >= h {
				continue
			}

			off := mask.PixOffset(cx, cy)
			mask.Pix[off] = opaque
			mask.Pix[off-1] = opaque
			marked++
		}
	}
	return marked
}

// extractColor writes the raw color buffer into canvas, which must match the
// frame size.
func extractColor(f *types.ColorFrame, canvas *image.RGBA) error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("compose: unsupported color format %s", f.Format)
	}
	n := f.Width * f.Height
	if len(f.Pixels) < n*bpp {
		return fmt.Errorf("%w: color buffer %d bytes, want %d", ErrMalformedFrame, len(f.Pixels), n*bpp)
	}

	dst := canvas.Pix
	src := f.Pixels
	switch f.Format {
	case types.ColorRGBA640x480:
		copy(dst, src[:n*4])
	case types.ColorBGRX640x480:
		for i := 0; i < n; i++ {
			s, d := i*4, i*4
			dst[d], dst[d+1], dst[d+2], dst[d+3] = src[s+2], src[s+1], src[s], 0xff
		}
	case types.ColorRGB640x480:
		for i := 0; i < n; i++ {
			s, d := i*3, i*4
			dst[d], dst[d+1], dst[d+2], dst[d+3] = src[s], src[s+1], src[s+2], 0xff
		}
	}
	return nil
}
