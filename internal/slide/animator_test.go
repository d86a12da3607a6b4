package slide

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/pictures"
	"github.com/e7canasta/greenscreen/internal/types"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// newStore returns a store of n pictures, width w, whose red channel is the
// picture index.
func newStore(n, w int) *pictures.Store {
	paths := make([]string, n)
	idx := make(map[string]int, n)
	for i := range paths {
		paths[i] = string(rune('a' + i))
		idx[paths[i]] = i
	}
	return pictures.NewStore(paths, func(p string) (*image.RGBA, error) {
		return solid(w, 1, color.RGBA{R: uint8(idx[p]), A: 255}), nil
	})
}

// newStoreFailing is newStore with the picture at index bad undecodable.
func newStoreFailing(n, w, bad int) *pictures.Store {
	paths := make([]string, n)
	idx := make(map[string]int, n)
	for i := range paths {
		paths[i] = string(rune('a' + i))
		idx[paths[i]] = i
	}
	return pictures.NewStore(paths, func(p string) (*image.RGBA, error) {
		if idx[p] == bad {
			return nil, errors.New("corrupt")
		}
		return solid(w, 1, color.RGBA{R: uint8(idx[p]), A: 255}), nil
	})
}

func newAnimator(n, w int) (*Animator, *pictures.Store, *broadcast.Subscription[*image.RGBA]) {
	store := newStore(n, w)
	out := broadcast.New[*image.RGBA]("slide")
	sub, _ := out.Subscribe("test", 1)
	return New(store, out, DefaultConfig()), store, sub
}

func runToIdle(t *testing.T, a *Animator) int {
	t.Helper()
	ticks := 0
	for a.Step() {
		ticks++
		if ticks > 1000 {
			t.Fatal("slide did not complete")
		}
	}
	return ticks + 1
}

func TestNextRotatesForward(t *testing.T) {
	a, store, _ := newAnimator(5, 400)

	a.Move(types.NextImage)
	if a.State() != Sliding {
		t.Fatalf("State() = %v, want sliding", a.State())
	}
	runToIdle(t, a)
	store.Wait()

	if store.Index() != 1 {
		t.Errorf("Index() = %d, want 1", store.Index())
	}
	if st := a.Stats(); st.Completed != 1 || st.Reversed != 0 {
		t.Errorf("Stats() = %+v, want completed=1", st)
	}
}

func TestPreviousRotatesBackward(t *testing.T) {
	a, store, _ := newAnimator(5, 400)

	a.Move(types.PreviousImage)
	runToIdle(t, a)
	store.Wait()

	if store.Index() != 4 {
		t.Errorf("Index() = %d, want 4", store.Index())
	}
}

// TestIndexDeltaProperty validates that each completed transition moves the
// index by exactly ±1 for random command sequences delivered while idle.
func TestIndexDeltaProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 20; trial++ {
		a, store, _ := newAnimator(7, 64)
		want := 0
		for i := 0; i < 15; i++ {
			cmd := types.NextImage
			delta := 1
			if rng.Intn(2) == 0 {
				cmd, delta = types.PreviousImage, -1
			}
			a.Move(cmd)
			runToIdle(t, a)
			store.Wait()
			want = store.Resolve(want + delta)

			if got := store.Index(); got != want {
				t.Fatalf("trial %d step %d: Index() = %d, want %d", trial, i, got, want)
			}
		}
	}
}

// TestReverseReturnsWithoutRotation validates a mid-flight reversal slides
// back to the start and leaves the window unchanged.
func TestReverseReturnsWithoutRotation(t *testing.T) {
	a, store, _ := newAnimator(5, 400)

	a.Move(types.NextImage)
	a.Step()
	a.Step()

	a.mu.Lock()
	before := a.offset
	a.mu.Unlock()

	a.Move(types.PreviousImage)

	a.mu.Lock()
	after, v := a.offset, a.velocity
	a.mu.Unlock()
	if after != before {
		t.Errorf("offset reset on reversal: %v → %v", before, after)
	}
	if v != 3 {
		t.Errorf("velocity after reversal = %v, want 3", v)
	}

	runToIdle(t, a)
	store.Wait()

	if store.Index() != 0 {
		t.Errorf("Index() = %d, want 0", store.Index())
	}
	if st := a.Stats(); st.Reversed != 1 || st.Completed != 0 {
		t.Errorf("Stats() = %+v, want reversed=1 completed=0", st)
	}
}

// TestDoubleReversalUsesOriginalDirection validates that reversing twice
// completes the original slide and rotates in its direction.
func TestDoubleReversalUsesOriginalDirection(t *testing.T) {
	a, store, _ := newAnimator(5, 400)

	a.Move(types.PreviousImage)
	a.Step()
	a.Step()
	a.Step()
	a.Move(types.NextImage)
	if !a.Step() {
		t.Fatal("slide finished before second reversal")
	}
	a.Move(types.PreviousImage)
	runToIdle(t, a)
	store.Wait()

	if store.Index() != 4 {
		t.Errorf("Index() = %d, want 4", store.Index())
	}
}

// TestMissingSourceSlidesTargetFullyIn validates that a slide away from an
// undecodable picture still brings the next one all the way in.
func TestMissingSourceSlidesTargetFullyIn(t *testing.T) {
	base, _, _ := newAnimator(3, 640)
	base.Move(types.NextImage)
	wantTicks := runToIdle(t, base)

	store := newStoreFailing(3, 640, 0)
	out := broadcast.New[*image.RGBA]("slide")
	sub, _ := out.Subscribe("test", 1)
	a := New(store, out, DefaultConfig())

	a.Move(types.NextImage)
	ticks := runToIdle(t, a)
	store.Wait()

	if ticks != wantTicks || ticks < 2 {
		t.Errorf("ticks = %d, want %d", ticks, wantTicks)
	}
	if store.Index() != 1 {
		t.Errorf("Index() = %d, want 1", store.Index())
	}
	frame, ok := sub.TryReceive()
	if !ok {
		t.Fatal("no frame published")
	}
	shown := 0
	for x := 0; x < 640; x++ {
		if c := frame.RGBAAt(x, 0); c.R == 1 && c.A == 255 {
			shown++
		}
	}
	if shown != 640 {
		t.Errorf("last frame shows %d/640 columns of the new picture", shown)
	}
}

// TestMissingTargetSlidesSourceOut validates that a slide towards an
// undecodable picture runs its full course and ends on an empty canvas.
func TestMissingTargetSlidesSourceOut(t *testing.T) {
	base, _, _ := newAnimator(3, 640)
	base.Move(types.NextImage)
	wantTicks := runToIdle(t, base)

	store := newStoreFailing(3, 640, 1)
	out := broadcast.New[*image.RGBA]("slide")
	sub, _ := out.Subscribe("test", 1)
	a := New(store, out, DefaultConfig())

	a.Move(types.NextImage)
	ticks := runToIdle(t, a)
	store.Wait()

	if ticks != wantTicks {
		t.Errorf("ticks = %d, want %d", ticks, wantTicks)
	}
	if store.Index() != 1 || store.Window().Current != nil {
		t.Errorf("Index() = %d, current loaded = %t, want 1 and empty", store.Index(), store.Window().Current != nil)
	}
	frame, ok := sub.TryReceive()
	if !ok {
		t.Fatal("no frame published")
	}
	if frame.Bounds().Dx() != 640 {
		t.Fatalf("frame width = %d, want 640", frame.Bounds().Dx())
	}
	for x := 0; x < 640; x++ {
		if c := frame.RGBAAt(x, 0); c.A != 0 {
			t.Fatalf("column %d = %+v, want transparent", x, c)
		}
	}
}

func TestRepeatedCommandAccelerates(t *testing.T) {
	a, _, _ := newAnimator(3, 400)

	a.Move(types.NextImage)
	a.Move(types.NextImage)

	a.mu.Lock()
	v := a.velocity
	a.mu.Unlock()
	if want := -3 * 1.8; v != want {
		t.Errorf("velocity = %v, want %v", v, want)
	}
}

// TestOffsetBounded validates the offset never leaves ±width.
func TestOffsetBounded(t *testing.T) {
	a, _, _ := newAnimator(3, 100)

	a.Move(types.NextImage)
	for i := 0; i < 5; i++ {
		a.Move(types.NextImage)
	}
	for {
		a.mu.Lock()
		off, w := a.offset, float64(a.width)
		a.mu.Unlock()
		if off < -w || off > w {
			t.Fatalf("offset %v outside ±%v", off, w)
		}
		if !a.Step() {
			break
		}
	}
}

func TestEmptyStoreIsNoOp(t *testing.T) {
	out := broadcast.New[*image.RGBA]("slide")
	sub, _ := out.Subscribe("test", 1)
	a := New(pictures.NewStore(nil, nil), out, DefaultConfig())

	a.Move(types.NextImage)
	if a.State() != Idle {
		t.Errorf("State() = %v, want idle", a.State())
	}
	if a.Step() {
		t.Error("Step() = true, want false")
	}
	if _, ok := sub.TryReceive(); ok {
		t.Error("frame published for empty store")
	}
}

func TestNonSlideCommandsIgnored(t *testing.T) {
	a, _, _ := newAnimator(3, 10)
	a.Move(types.ToGreenScreen)
	a.Move(types.FromGreenScreen)
	if a.State() != Idle {
		t.Errorf("State() = %v, want idle", a.State())
	}
	if Accepts(types.ToGreenScreen) || !Accepts(types.PreviousImage) {
		t.Error("Accepts() filter mismatch")
	}
}

func TestRenderSlide(t *testing.T) {
	red := solid(4, 1, color.RGBA{R: 255, A: 255})
	blue := solid(4, 1, color.RGBA{B: 255, A: 255})

	reds := func(img *image.RGBA) []bool {
		var out []bool
		for x := 0; x < 4; x++ {
			out = append(out, img.RGBAAt(x, 0).R == 255)
		}
		return out
	}

	tests := []struct {
		name    string
		offset  int
		forward bool
		want    []bool
	}{
		{"at rest", 0, true, []bool{true, true, true, true}},
		{"next, one in", -1, true, []bool{true, true, true, false}},
		{"previous, one in", 1, false, []bool{false, true, true, true}},
		{"next, done", -4, true, []bool{false, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reds(renderSlide(4, 1, red, blue, tt.offset, tt.forward))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("red columns mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFitStretches(t *testing.T) {
	small := solid(2, 2, color.RGBA{G: 200, A: 255})
	got := fit(small, 8, 4)
	if got.Bounds() != image.Rect(0, 0, 8, 4) {
		t.Fatalf("bounds = %v", got.Bounds())
	}
	if c := got.RGBAAt(7, 3); c.G != 200 {
		t.Errorf("corner = %+v, want green 200", c)
	}
	if fit(small, 2, 2) != small {
		t.Error("fit() copied an image already at size")
	}
}

// TestRunTicksToCompletion exercises the ticker path end to end.
func TestRunTicksToCompletion(t *testing.T) {
	store := newStore(3, 40)
	out := broadcast.New[*image.RGBA]("slide")
	frames, _ := out.Subscribe("test", 64)
	a := New(store, out, Config{Pace: 3, FPS: 200, Accelerate: 1.8})

	cmds := broadcast.New[types.Command]("commands")
	in, _ := cmds.SubscribeFunc("slide", 8, Accepts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, in) }()

	cmds.Publish(types.ToGreenScreen)
	cmds.Publish(types.NextImage)

	deadline := time.After(2 * time.Second)
	for store.Index() != 1 {
		select {
		case <-deadline:
			t.Fatal("slide did not complete")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cmds.Complete()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after completion")
	}

	if st := out.Stats(); st.Published < 2 || !st.Completed {
		t.Errorf("output stats = %+v, want initial frame plus slide frames and completion", st)
	}
	if st := cmds.Stats().Subscribers["slide"]; st.Declined != 1 {
		t.Errorf("declined = %d, want 1", st.Declined)
	}
	_ = frames
}
