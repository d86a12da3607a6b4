package fade

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
)

// ParseColor parses a hex color such as "#ADFF2F" into an opaque RGBA.
func ParseColor(hex string) (color.RGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("fade: invalid color %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// blend returns a new frame: the solid field at opacity level over img at
// opacity 1-level.
func blend(img *image.RGBA, field color.RGBA, level float64) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	alpha := uint8(level*255 + 0.5)
	if alpha == 0 {
		return out
	}
	draw.DrawMask(out, out.Bounds(),
		image.NewUniform(field), image.Point{},
		image.NewUniform(color.Alpha{A: alpha}), image.Point{},
		draw.Over,
	)
	return out
}
