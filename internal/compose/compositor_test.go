package compose

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/join"
	"github.com/e7canasta/greenscreen/internal/types"
)

// tableMapper maps depth index i to points[i]; unmapped samples go to (0,0).
type tableMapper struct {
	points map[int]types.ColorPoint
	err    error
}

func (m tableMapper) MapDepthToColor(_ types.DepthFormat, depth []uint16, _ types.ColorFormat, out []types.ColorPoint) error {
	if m.err != nil {
		return m.err
	}
	for i, p := range m.points {
		out[i] = p
	}
	return nil
}

const (
	depthW, depthH = 4, 2
	colorW, colorH = 8, 4
)

// depthFrame returns a 4x2 frame with player 1 at the given indexes.
func depthFrame(players ...int) *types.DepthFrame {
	px := make([]uint16, depthW*depthH)
	for i := range px {
		px[i] = 1200 << types.PlayerIndexBits
	}
	for _, i := range players {
		px[i] |= 1
	}
	return &types.DepthFrame{
		Format:              types.Depth80x60,
		Width:               depthW,
		Height:              depthH,
		Pixels:              px,
		ColorToDepthDivisor: colorW / depthW,
	}
}

func colorFrame(c color.RGBA) *types.ColorFrame {
	px := make([]byte, colorW*colorH*4)
	for i := 0; i < len(px); i += 4 {
		px[i], px[i+1], px[i+2], px[i+3] = c.B, c.G, c.R, 0
	}
	return &types.ColorFrame{
		Format:              types.ColorBGRX640x480,
		Width:               colorW,
		Height:              colorH,
		Pixels:              px,
		ColorToDepthDivisor: colorW / depthW,
	}
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func opaqueCells(mask *image.Alpha) []image.Point {
	var pts []image.Point
	for y := 0; y < mask.Rect.Dy(); y++ {
		for x := 0; x < mask.Rect.Dx(); x++ {
			if mask.AlphaAt(x, y).A == opaque {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	return pts
}

// TestMaskLeftNeighbourCompensation validates that a mapped cell (x,y) with
// x > 0 marks (x,y) and (x-1,y), and that x == 0 marks nothing.
func TestMaskLeftNeighbourCompensation(t *testing.T) {
	tests := []struct {
		name    string
		players []int
		points  map[int]types.ColorPoint
		want    []image.Point
	}{
		{
			name:    "interior cell marks itself and left neighbour",
			players: []int{1},
			points:  map[int]types.ColorPoint{1: {X: 4, Y: 2}},
			want:    []image.Point{{1, 1}, {2, 1}},
		},
		{
			name:    "x == 0 not marked",
			players: []int{0},
			points:  map[int]types.ColorPoint{0: {X: 1, Y: 0}},
			want:    nil,
		},
		{
			name:    "x beyond width not marked",
			players: []int{0},
			points:  map[int]types.ColorPoint{0: {X: 8, Y: 0}},
			want:    nil,
		},
		{
			name:    "negative y not marked",
			players: []int{0},
			points:  map[int]types.ColorPoint{0: {X: 4, Y: -2}},
			want:    nil,
		},
		{
			name:    "non-player sample ignored",
			players: nil,
			points:  map[int]types.ColorPoint{1: {X: 4, Y: 2}},
			want:    nil,
		},
		{
			name:    "last column",
			players: []int{5},
			points:  map[int]types.ColorPoint{5: {X: 7, Y: 3}},
			want:    []image.Point{{2, 1}, {3, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := depthFrame(tt.players...)
			pts := make([]types.ColorPoint, depthW*depthH)
			for i, p := range tt.points {
				pts[i] = p
			}
			mask := image.NewAlpha(image.Rect(0, 0, depthW, depthH))
			mask.Pix[0] = opaque // stale value from a previous frame

			buildMask(d, pts, mask)

			if diff := cmp.Diff(tt.want, opaqueCells(mask)); diff != "" {
				t.Errorf("opaque cells mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractColorFormats(t *testing.T) {
	canvas := image.NewRGBA(image.Rect(0, 0, 1, 1))

	bgrx := &types.ColorFrame{Format: types.ColorBGRX640x480, Width: 1, Height: 1, Pixels: []byte{3, 2, 1, 0}}
	if err := extractColor(bgrx, canvas); err != nil {
		t.Fatalf("extractColor(bgrx) error = %v", err)
	}
	if got, want := canvas.RGBAAt(0, 0), (color.RGBA{1, 2, 3, 255}); got != want {
		t.Errorf("bgrx pixel = %v, want %v", got, want)
	}

	rgb := &types.ColorFrame{Format: types.ColorRGB640x480, Width: 1, Height: 1, Pixels: []byte{9, 8, 7}}
	if err := extractColor(rgb, canvas); err != nil {
		t.Fatalf("extractColor(rgb) error = %v", err)
	}
	if got, want := canvas.RGBAAt(0, 0), (color.RGBA{9, 8, 7, 255}); got != want {
		t.Errorf("rgb pixel = %v, want %v", got, want)
	}

	short := &types.ColorFrame{Format: types.ColorRGBA640x480, Width: 1, Height: 1, Pixels: []byte{1}}
	if err := extractColor(short, canvas); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("extractColor(short) error = %v, want ErrMalformedFrame", err)
	}
}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

// TestMergeComposesPlayerOverBackground validates that only mask cells
// show the color frame.
func TestMergeComposesPlayerOverBackground(t *testing.T) {
	m := tableMapper{points: map[int]types.ColorPoint{1: {X: 4, Y: 2}}}
	c := New(m, broadcast.New[*types.CompositeFrame]("output"), DefaultConfig())

	frame, err := c.Merge(0, Pair{Left: depthFrame(1), Right: colorFrame(red)}, solid(colorW, colorH, blue))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if frame.Width() != colorW || frame.Height() != colorH {
		t.Fatalf("frame size = %dx%d, want %dx%d", frame.Width(), frame.Height(), colorW, colorH)
	}

	// Depth cells (1,1),(2,1) cover color x in [2,6), y in [2,4).
	for y := 0; y < colorH; y++ {
		for x := 0; x < colorW; x++ {
			want := blue
			if x >= 2 && x < 6 && y >= 2 {
				want = red
			}
			if got := frame.Image.RGBAAt(x, y); got != want {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestMergeCanvasIsUnionOfSizes(t *testing.T) {
	c := New(tableMapper{}, broadcast.New[*types.CompositeFrame]("output"), DefaultConfig())

	frame, err := c.Merge(0, Pair{Left: depthFrame(), Right: colorFrame(red)}, solid(16, 2, blue))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if frame.Width() != 16 || frame.Height() != colorH {
		t.Errorf("frame size = %dx%d, want 16x%d", frame.Width(), frame.Height(), colorH)
	}
	// No player: stretched background everywhere.
	if got := frame.Image.RGBAAt(15, 3); got != blue {
		t.Errorf("corner pixel = %v, want %v", got, blue)
	}
}

func TestMergeReusesWorkerBuffers(t *testing.T) {
	c := New(tableMapper{}, broadcast.New[*types.CompositeFrame]("output"), DefaultConfig())
	bg := solid(colorW, colorH, blue)

	f1, _ := c.Merge(3, Pair{Left: depthFrame(), Right: colorFrame(red)}, bg)
	mask := c.pool[3].mask
	f2, _ := c.Merge(3, Pair{Left: depthFrame(), Right: colorFrame(red)}, bg)

	if c.pool[3].mask != mask {
		t.Error("mask reallocated for unchanged dimensions")
	}
	if f1.Image == f2.Image {
		t.Error("output image reused between emissions")
	}
	if f2.Seq != f1.Seq+1 {
		t.Errorf("Seq = %d, want %d", f2.Seq, f1.Seq+1)
	}
	if got := c.Stats().PooledBufs; got != 1 {
		t.Errorf("PooledBufs = %d, want 1", got)
	}
}

func TestMergeMappingUnavailable(t *testing.T) {
	c := New(tableMapper{err: errors.New("sensor gone")}, broadcast.New[*types.CompositeFrame]("output"), DefaultConfig())

	frame, err := c.Merge(0, Pair{Left: depthFrame(1), Right: colorFrame(red)}, solid(colorW, colorH, blue))
	if frame != nil || err != nil {
		t.Errorf("Merge() = (%v, %v), want (nil, nil)", frame, err)
	}
	if c.Stats().MapFailures != 1 {
		t.Errorf("MapFailures = %d, want 1", c.Stats().MapFailures)
	}
}

func TestMergeMalformedDepth(t *testing.T) {
	c := New(tableMapper{}, broadcast.New[*types.CompositeFrame]("output"), DefaultConfig())
	d := depthFrame()
	d.Pixels = d.Pixels[:3]

	if _, err := c.Merge(0, Pair{Left: d, Right: colorFrame(red)}, solid(1, 1, blue)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Merge() error = %v, want ErrMalformedFrame", err)
	}
}

// TestRunSkipsUntilBackground validates pairs before the first background
// are skipped and that completion of the join completes the output.
func TestRunSkipsUntilBackground(t *testing.T) {
	out := broadcast.New[*types.CompositeFrame]("output")
	outSub, _ := out.Subscribe("test", 8)
	c := New(tableMapper{}, out, DefaultConfig())

	frames := join.New[*types.DepthFrame, *types.ColorFrame]()
	bgSrc := broadcast.New[*image.RGBA]("background")
	bgSub, _ := bgSrc.Subscribe("compose", 1)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), frames, bgSub) }()

	frames.OfferLeft(depthFrame())
	frames.OfferRight(colorFrame(red))
	waitFor(t, func() bool { return c.Stats().SkippedNoBg == 1 })

	bgSrc.Publish(solid(colorW, colorH, blue))
	waitFor(t, func() bool { return c.background.Load() != nil })

	frames.OfferLeft(depthFrame())
	frames.OfferRight(colorFrame(red))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := outSub.Receive(ctx); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	frames.Complete()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after join completed")
	}
	if _, err := outSub.Receive(ctx); !errors.Is(err, broadcast.ErrCompleted) {
		t.Errorf("output Receive() error = %v, want ErrCompleted", err)
	}
}

func TestRunFaultsOnMalformedFrame(t *testing.T) {
	out := broadcast.New[*types.CompositeFrame]("output")
	c := New(tableMapper{}, out, DefaultConfig())
	c.background.Store(solid(1, 1, blue))

	frames := join.New[*types.DepthFrame, *types.ColorFrame]()
	bgSub, _ := broadcast.New[*image.RGBA]("background").Subscribe("compose", 1)

	bad := depthFrame()
	bad.Pixels = nil
	frames.OfferLeft(bad)
	frames.OfferRight(colorFrame(red))

	err := c.Run(context.Background(), frames, bgSub)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Run() = %v, want ErrMalformedFrame", err)
	}
	if _, fault := out.Done(); !errors.Is(fault, ErrMalformedFrame) {
		t.Errorf("output fault = %v, want ErrMalformedFrame", fault)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached within 1s")
		}
		time.Sleep(time.Millisecond)
	}
}
