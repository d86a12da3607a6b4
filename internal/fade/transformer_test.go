package fade

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

var greenYellow = color.RGBA{R: 173, G: 255, B: 47, A: 255}

func newTransformer(t *testing.T) (*Transformer, *broadcast.Subscription[*image.RGBA]) {
	t.Helper()
	out := broadcast.New[*image.RGBA]("background")
	sub, _ := out.Subscribe("test", 64)
	tr, err := New(out, DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return tr, sub
}

func last(sub *broadcast.Subscription[*image.RGBA]) *image.RGBA {
	var img *image.RGBA
	for {
		v, ok := sub.TryReceive()
		if !ok {
			return img
		}
		img = v
	}
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d >= -1 && d <= 1
}

// TestFadeToGreen validates level goes 0 → 1 and settles GreenOnly.
func TestFadeToGreen(t *testing.T) {
	tr, sub := newTransformer(t)
	tr.Image(solid(2, 2, color.RGBA{A: 255}))

	tr.Command(types.ToGreenScreen)
	if st, _ := tr.State(); st != Fading {
		t.Fatalf("State() = %v, want fading", st)
	}

	prev := 0.0
	steps := 0
	for tr.Step() {
		_, level := tr.State()
		if level <= prev {
			t.Fatalf("level did not increase: %v → %v", prev, level)
		}
		prev = level
		steps++
	}

	st, level := tr.State()
	if st != GreenOnly || level != 1 {
		t.Errorf("State() = (%v, %v), want (green_only, 1)", st, level)
	}
	if steps != 9 {
		t.Errorf("steps while fading = %d, want 9 (10th settles)", steps)
	}

	got := last(sub).RGBAAt(0, 0)
	if got != greenYellow {
		t.Errorf("final frame = %+v, want %+v", got, greenYellow)
	}
}

// TestReverseMidFade validates a FromGreenScreen before the top reverses
// the fade back to ImageOnly.
func TestReverseMidFade(t *testing.T) {
	tr, _ := newTransformer(t)
	tr.Image(solid(1, 1, color.RGBA{A: 255}))

	tr.Command(types.ToGreenScreen)
	for i := 0; i < 4; i++ {
		tr.Step()
	}
	_, peak := tr.State()

	tr.Command(types.FromGreenScreen)
	tr.Step()
	if _, level := tr.State(); level >= peak {
		t.Errorf("level after reversal = %v, want below %v", level, peak)
	}

	for tr.Step() {
	}
	if st, level := tr.State(); st != ImageOnly || level != 0 {
		t.Errorf("State() = (%v, %v), want (image_only, 0)", st, level)
	}
}

func TestRedundantCommandsIgnored(t *testing.T) {
	tr, _ := newTransformer(t)
	tr.Image(solid(1, 1, color.RGBA{A: 255}))

	tr.Command(types.FromGreenScreen)
	if st, _ := tr.State(); st != ImageOnly {
		t.Errorf("FromGreenScreen in ImageOnly: State() = %v", st)
	}

	tr.Command(types.ToGreenScreen)
	for tr.Step() {
	}
	tr.Command(types.ToGreenScreen)
	if st, _ := tr.State(); st != GreenOnly {
		t.Errorf("ToGreenScreen in GreenOnly: State() = %v", st)
	}
	if tr.Stats().Fades != 1 {
		t.Errorf("Fades = %d, want 1", tr.Stats().Fades)
	}

	tr.Command(types.NextImage)
	if st, _ := tr.State(); st != GreenOnly {
		t.Errorf("NextImage changed state to %v", st)
	}
}

func TestOutputPerState(t *testing.T) {
	tr, sub := newTransformer(t)
	red := solid(1, 1, color.RGBA{R: 255, A: 255})
	blue := solid(1, 1, color.RGBA{B: 255, A: 255})

	tr.Image(red)
	if got := last(sub); got != red {
		t.Error("ImageOnly did not forward the input frame")
	}

	tr.Command(types.ToGreenScreen)
	for i := 0; i < 5; i++ {
		tr.Step()
	}
	last(sub)
	tr.Image(blue)
	mid := last(sub).RGBAAt(0, 0)
	if !near(mid.R, 87) || !near(mid.G, 128) || !near(mid.B, 151) {
		t.Errorf("half blend = %+v, want ~(87,128,151)", mid)
	}

	for tr.Step() {
	}
	last(sub)
	tr.Image(red)
	if got := last(sub).RGBAAt(0, 0); got != greenYellow {
		t.Errorf("GreenOnly output = %+v, want green field", got)
	}
}

// TestNoInputSuppressesOutput validates nothing is emitted before the first frame.
func TestNoInputSuppressesOutput(t *testing.T) {
	tr, sub := newTransformer(t)
	tr.Command(types.ToGreenScreen)
	for tr.Step() {
	}
	if st, _ := tr.State(); st != GreenOnly {
		t.Fatalf("State() = %v, want green_only", st)
	}
	if img := last(sub); img != nil {
		t.Error("frame emitted without any input")
	}
}

func TestStepRerendersWithoutNewInput(t *testing.T) {
	tr, sub := newTransformer(t)
	tr.Image(solid(1, 1, color.RGBA{A: 255}))
	last(sub)

	tr.Command(types.ToGreenScreen)
	tr.Step()
	if last(sub) == nil {
		t.Error("Step() did not publish a re-rendered frame")
	}
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#ADFF2F")
	if err != nil || c != greenYellow {
		t.Errorf("ParseColor() = (%+v, %v), want %+v", c, err, greenYellow)
	}
	if _, err := ParseColor("green"); err == nil {
		t.Error("ParseColor(green) error = nil, want error")
	}
}

// TestRunFaultPropagates validates a fault on the image input faults the output.
func TestRunFaultPropagates(t *testing.T) {
	out := broadcast.New[*image.RGBA]("background")
	outSub, _ := out.Subscribe("test", 1)
	tr, _ := New(out, Config{Color: "#00FF00", Step: 0.5, Interval: 5 * time.Millisecond})

	images := broadcast.New[*image.RGBA]("slide")
	imgSub, _ := images.Subscribe("fade", 1)
	cmds := broadcast.New[types.Command]("commands")
	cmdSub, _ := cmds.SubscribeFunc("fade", 8, Accepts)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), imgSub, cmdSub) }()

	images.Publish(solid(1, 1, color.RGBA{A: 255}))
	cmds.Publish(types.ToGreenScreen)
	time.Sleep(30 * time.Millisecond)

	boom := errors.New("render failed")
	images.Fault(boom)

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run() = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after fault")
	}

	if _, err := outSub.Receive(context.Background()); !errors.Is(err, boom) {
		t.Errorf("output Receive() error = %v, want fault", err)
	}
	if st, _ := tr.State(); st != GreenOnly {
		t.Errorf("State() = %v, want green_only after ticks", st)
	}
}
