package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/e7canasta/greenscreen/internal/types"
)

// Action is one scripted behaviour of the synthetic subject.
type Action string

const (
	ActionIdle          Action = "idle"
	ActionHandsTogether Action = "hands_together"
	ActionSwipeRight    Action = "swipe_right"
	ActionSwipeLeft     Action = "swipe_left"
	ActionAbsent        Action = "absent"
)

// ScriptStep holds an action for a duration.
type ScriptStep struct {
	Action   Action        `yaml:"action"`
	Duration time.Duration `yaml:"duration"`
}

// DefaultScript toggles the green field, then swipes through two pictures
// and back.
func DefaultScript() []ScriptStep {
	return []ScriptStep{
		{ActionIdle, 3 * time.Second},
		{ActionSwipeRight, 400 * time.Millisecond},
		{ActionIdle, 2 * time.Second},
		{ActionSwipeRight, 400 * time.Millisecond},
		{ActionIdle, 2 * time.Second},
		{ActionHandsTogether, time.Second},
		{ActionIdle, 3 * time.Second},
		{ActionHandsTogether, time.Second},
		{ActionIdle, 2 * time.Second},
		{ActionSwipeLeft, 400 * time.Millisecond},
		{ActionIdle, 2 * time.Second},
	}
}

// SyntheticConfig parameterizes the synthetic device.
type SyntheticConfig struct {
	FPS        int     `yaml:"fps"`
	TrackingID int     `yaml:"tracking_id"`
	Distance   float64 `yaml:"distance"`

	Script []ScriptStep `yaml:"script"`
	// Frames stops the device after this many ticks (0 = endless).
	Frames int `yaml:"frames"`
	// DisconnectAfter simulates device loss after this many ticks.
	DisconnectAfter int `yaml:"disconnect_after"`
	// DropProbability is the chance a stream's frame is missing on a tick.
	DropProbability float64 `yaml:"drop_probability"`
	Seed            uint64  `yaml:"seed"`
}

// DefaultSyntheticConfig returns a 30 fps subject at 2m running DefaultScript.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		FPS:        30,
		TrackingID: 7,
		Distance:   2.0,
		Script:     DefaultScript(),
		Seed:       1,
	}
}

const (
	syntheticDepth = types.Depth320x240
	syntheticColor = types.ColorBGRX640x480
	farMillimetres = 4000
)

// Synthetic is a Device that renders a single subject.
type Synthetic struct {
	hub
	cfg SyntheticConfig

	mu      sync.Mutex
	enabled map[StreamKind]bool
	rng     types.DepthRange
	ready   bool
	closed  bool

	scene []byte
	rand  *rand.Rand
	start time.Time

	ticks    atomic.Uint64
	dropped  atomic.Uint64
	released atomic.Uint64
}

// NewSynthetic creates a synthetic device.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Distance <= 0 {
		cfg.Distance = 2.0
	}
	return &Synthetic{
		cfg:     cfg,
		enabled: make(map[StreamKind]bool),
		scene:   renderScene(),
		rand:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		start:   time.Now(),
	}
}

// SyntheticConnector returns a ConnectFunc opening a fresh synthetic device.
func SyntheticConnector(cfg SyntheticConfig) ConnectFunc {
	return func(context.Context) (Device, error) { return NewSynthetic(cfg), nil }
}

func (s *Synthetic) Enable(kind StreamKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisconnected
	}
	s.enabled[kind] = true
	return nil
}

func (s *Synthetic) SetRange(r types.DepthRange) error {
	s.mu.Lock()
	s.rng = r
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) Range() types.DepthRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng
}

func (s *Synthetic) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Synthetic) MapDepthToColor(df types.DepthFormat, _ []uint16, cf types.ColorFormat, out []types.ColorPoint) error {
	if !s.IsReady() {
		return ErrNotReady
	}
	return linearMap(df, cf, out)
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.ready = false
	s.mu.Unlock()
	return nil
}

// Run ticks at the configured rate until ctx ends, Frames ticks were
// produced (nil) or DisconnectAfter ticks were produced (ErrDisconnected).
func (s *Synthetic) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.ready = true
	s.start = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ready = false
		s.mu.Unlock()
	}()

	interval := time.Second / time.Duration(s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sensor: synthetic device running",
		"fps", s.cfg.FPS,
		"tracking_id", s.cfg.TrackingID,
		"script_steps", len(s.cfg.Script),
	)

	for tick := 0; ; tick++ {
		if s.cfg.Frames > 0 && tick >= s.cfg.Frames {
			slog.Info("sensor: synthetic device finished", "ticks", tick)
			return nil
		}
		if s.cfg.DisconnectAfter > 0 && tick >= s.cfg.DisconnectAfter {
			return ErrDisconnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.Tick(tick, s.start.Add(time.Duration(tick)*interval))
	}
}

// Tick produces the frames of tick number n stamped ts.
func (s *Synthetic) Tick(n int, ts time.Time) {
	s.ticks.Add(1)

	s.mu.Lock()
	enabled := map[StreamKind]bool{
		StreamDepth:    s.enabled[StreamDepth] && !s.dropLocked(),
		StreamColor:    s.enabled[StreamColor] && !s.dropLocked(),
		StreamSkeleton: s.enabled[StreamSkeleton] && !s.dropLocked(),
	}
	rng := s.rng
	s.mu.Unlock()

	elapsed := time.Duration(n) * (time.Second / time.Duration(s.cfg.FPS))
	action, progress := s.actionAt(elapsed)
	body := s.pose(action, progress)
	trace := uuid.NewString()

	if enabled[StreamDepth] {
		s.depth.emit(s.depthFrame(uint64(n), ts, trace, body, rng))
	}
	if enabled[StreamColor] {
		s.color.emit(s.colorFrame(uint64(n), ts, trace, body))
	}
	if enabled[StreamSkeleton] {
		var skeletons []types.Skeleton
		if body != nil {
			skeletons = []types.Skeleton{*body}
		}
		snap := types.NewSkeletonSnapshot(uint64(n), ts, skeletons, func() { s.released.Add(1) })
		snap.TraceID = trace
		if s.skeleton.emit(snap) == 0 {
			snap.Release()
		}
	}
}

func (s *Synthetic) dropLocked() bool {
	if s.cfg.DropProbability <= 0 || s.rand.Float64() >= s.cfg.DropProbability {
		return false
	}
	s.dropped.Add(1)
	return true
}

// actionAt returns the scripted action at elapsed and how far into it we
// are (0..1). The script loops.
func (s *Synthetic) actionAt(elapsed time.Duration) (Action, float64) {
	var total time.Duration
	for _, st := range s.cfg.Script {
		total += st.Duration
	}
	if total <= 0 {
		return ActionIdle, 0
	}
	t := elapsed % total
	for _, st := range s.cfg.Script {
		if t < st.Duration {
			return st.Action, float64(t) / float64(st.Duration)
		}
		t -= st.Duration
	}
	return ActionIdle, 0
}

// pose returns the subject's skeleton for action, nil when absent.
func (s *Synthetic) pose(action Action, progress float64) *types.Skeleton {
	if action == ActionAbsent {
		return nil
	}
	z := s.cfg.Distance
	sk := &types.Skeleton{
		TrackingID: s.cfg.TrackingID,
		State:      types.Tracked,
		Position:   r3.Vector{Z: z},
	}
	for j := range sk.Joints {
		sk.Joints[j] = types.Joint{State: types.Tracked, Position: r3.Vector{Z: z}}
	}
	set := func(j types.JointType, x, y, dz float64) {
		sk.Joints[j].Position = r3.Vector{X: x, Y: y, Z: z + dz}
	}
	set(types.Head, 0, 0.65, 0)
	set(types.ShoulderCenter, 0, 0.45, 0)
	set(types.ShoulderLeft, -0.2, 0.4, 0)
	set(types.ShoulderRight, 0.2, 0.4, 0)
	set(types.ElbowLeft, -0.25, 0.1, 0)
	set(types.ElbowRight, 0.25, 0.1, 0)
	set(types.HandLeft, -0.3, -0.2, 0)
	set(types.HandRight, 0.3, -0.2, 0)
	set(types.Spine, 0, 0.1, 0)
	set(types.HipCenter, 0, -0.1, 0)

	switch action {
	case ActionHandsTogether:
		set(types.HandLeft, -0.05, 0.42, -0.3)
		set(types.HandRight, 0.05, 0.41, -0.3)
	case ActionSwipeRight:
		set(types.HandRight, -0.1+0.6*progress, 0.3, -0.3)
	case ActionSwipeLeft:
		set(types.HandLeft, 0.1-0.6*progress, 0.3, -0.3)
	}
	return sk
}

// blob reports whether depth pixel (x,y) belongs to the subject.
func blob(x, y int) bool {
	const cx = 160
	// head
	if dx, dy := x-cx, y-50; dx*dx+dy*dy < 20*20 {
		return true
	}
	// torso
	return y >= 70 && y < 240 && x >= cx-40 && x < cx+40
}

func (s *Synthetic) depthFrame(seq uint64, ts time.Time, trace string, body *types.Skeleton, rng types.DepthRange) *types.DepthFrame {
	w, h := syntheticDepth.Size()
	cw, _ := syntheticColor.Size()

	minMM, maxMM := 800, farMillimetres
	if rng == types.RangeNear {
		minMM, maxMM = 400, 3000
	}
	sample := func(mm, player int) uint16 {
		if mm < minMM || mm > maxMM {
			return 0
		}
		return uint16(mm<<types.PlayerIndexBits | player)
	}

	bg := sample(farMillimetres, 0)
	px := make([]uint16, w*h)
	for i := range px {
		px[i] = bg
	}
	if body != nil {
		fg := sample(int(body.Position.Z*1000), 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if blob(x, y) {
					px[x+y*w] = fg
				}
			}
		}
	}

	return &types.DepthFrame{
		Seq:                 seq,
		Timestamp:           ts,
		TraceID:             trace,
		Format:              syntheticDepth,
		Width:               w,
		Height:              h,
		Pixels:              px,
		ColorToDepthDivisor: cw / w,
	}
}

var skin = colorful.Hcl(40, 0.35, 0.7).Clamped()

func (s *Synthetic) colorFrame(seq uint64, ts time.Time, trace string, body *types.Skeleton) *types.ColorFrame {
	w, h := syntheticColor.Size()
	dw, _ := syntheticDepth.Size()
	div := w / dw

	px := make([]byte, len(s.scene))
	copy(px, s.scene)
	if body != nil {
		r, g, b := skin.RGB255()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if blob(x/div, y/div) {
					i := (x + y*w) * 4
					px[i], px[i+1], px[i+2] = b, g, r
				}
			}
		}
	}

	return &types.ColorFrame{
		Seq:                 seq,
		Timestamp:           ts,
		TraceID:             trace,
		Format:              syntheticColor,
		Width:               w,
		Height:              h,
		Pixels:              px,
		ColorToDepthDivisor: div,
	}
}

// renderScene paints the static room behind the subject: a vertical hue
// gradient in BGRX.
func renderScene() []byte {
	w, h := syntheticColor.Size()
	px := make([]byte, w*h*4)
	top := colorful.Hcl(220, 0.2, 0.8)
	bottom := colorful.Hcl(60, 0.3, 0.4)
	for y := 0; y < h; y++ {
		r, g, b := top.BlendHcl(bottom, float64(y)/float64(h-1)).Clamped().RGB255()
		for x := 0; x < w; x++ {
			i := (x + y*w) * 4
			px[i], px[i+1], px[i+2], px[i+3] = b, g, r, 0
		}
	}
	return px
}

// SyntheticStats is a snapshot of synthetic device counters.
type SyntheticStats struct {
	Ticks    uint64 `json:"ticks"`
	Dropped  uint64 `json:"dropped"`
	Released uint64 `json:"released"`
}

func (s *Synthetic) Stats() SyntheticStats {
	return SyntheticStats{
		Ticks:    s.ticks.Load(),
		Dropped:  s.dropped.Load(),
		Released: s.released.Load(),
	}
}

func (s *Synthetic) String() string {
	return fmt.Sprintf("synthetic(%d fps, subject %d)", s.cfg.FPS, s.cfg.TrackingID)
}
