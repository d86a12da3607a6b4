package pictures

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// DecodeFunc loads one picture. A nil image with a nil error is allowed.
type DecodeFunc func(path string) (*image.RGBA, error)

// DecodeFile decodes a JPEG or PNG file into an RGBA image anchored at the
// origin.
func DecodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pictures: open %s: %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("pictures: decode %s: %w", path, err)
	}
	return ToRGBA(src), nil
}

// ToRGBA returns img as an *image.RGBA with bounds at the origin, copying
// only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
