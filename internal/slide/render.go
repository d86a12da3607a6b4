package slide

import (
	"image"

	"golang.org/x/image/draw"
)

// fit returns img stretched to w×h. Images already at that size are
// returned as is. A nil img stays nil.
func fit(img *image.RGBA, w, h int) *image.RGBA {
	if img == nil {
		return nil
	}
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h && b.Min == (image.Point{}) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// renderSlide draws source at x = offset and target one canvas width behind
// it on the trailing side. Both images must already be canvas-sized; a nil
// image leaves its area transparent.
func renderSlide(w, h int, source, target *image.RGBA, offset int, forward bool) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))

	targetX := offset - w
	if forward {
		targetX = offset + w
	}

	blit(canvas, source, offset)
	blit(canvas, target, targetX)
	return canvas
}

func blit(dst, src *image.RGBA, x int) {
	if src == nil {
		return
	}
	r := src.Bounds().Add(image.Pt(x, 0)).Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, src, image.Pt(r.Min.X-x, 0), draw.Src)
}
