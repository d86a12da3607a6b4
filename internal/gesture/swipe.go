package gesture

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/e7canasta/greenscreen/internal/types"
)

// SwipeDirection is the horizontal direction of a swipe in sensor space.
type SwipeDirection int

const (
	SwipeLeft SwipeDirection = iota + 1
	SwipeRight
)

func (d SwipeDirection) String() string {
	switch d {
	case SwipeLeft:
		return "left"
	case SwipeRight:
		return "right"
	default:
		return "none"
	}
}

// Swipe is one detected swipe, tagged with the subject that performed it.
type Swipe struct {
	Direction  SwipeDirection
	TrackingID int
}

// SwipeDetector is the swipe-detection engine. Detect is called once per
// snapshot, sequentially, with the tracking id the recognizer considers
// active (types.NoSubject if none).
type SwipeDetector interface {
	Detect(snap *types.SkeletonSnapshot, activeID int) []Swipe
}

// SwipeConfig parameterizes HandSwipe.
type SwipeConfig struct {
	// MinDistance is the horizontal travel (metres) that makes a swipe.
	MinDistance float64 `yaml:"min_distance"`
	// MaxDrift bounds vertical and depth travel during the swipe.
	MaxDrift float64 `yaml:"max_drift"`
	// Window is the longest duration a swipe may take.
	Window time.Duration `yaml:"window"`
	// Cooldown suppresses further swipes by the same subject.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultSwipeConfig returns the defaults for HandSwipe.
func DefaultSwipeConfig() SwipeConfig {
	return SwipeConfig{
		MinDistance: 0.35,
		MaxDrift:    0.15,
		Window:      600 * time.Millisecond,
		Cooldown:    800 * time.Millisecond,
	}
}

type handSample struct {
	at  time.Time
	pos r3.Vector
}

type subjectTrack struct {
	left, right []handSample
	quietUntil  time.Time
}

// HandSwipe detects swipes from the horizontal travel of either hand of
// every tracked subject, using snapshot timestamps as the clock.
//
// A hand swipes when, within Window, it travels at least MinDistance along
// X while staying within MaxDrift on Y and Z, and is raised above its
// elbow. The right hand moving toward +X or the left hand moving toward -X
// are the only motions considered, so a return stroke is not a swipe.
//
// Not safe for concurrent use.
type HandSwipe struct {
	cfg    SwipeConfig
	tracks map[int]*subjectTrack
}

// NewHandSwipe creates a detector.
func NewHandSwipe(cfg SwipeConfig) *HandSwipe {
	return &HandSwipe{
		cfg:    cfg,
		tracks: make(map[int]*subjectTrack),
	}
}

// Detect implements SwipeDetector. Every tracked subject is evaluated;
// filtering on activeID is the caller's job.
func (h *HandSwipe) Detect(snap *types.SkeletonSnapshot, activeID int) []Swipe {
	now := snap.Timestamp
	seen := make(map[int]bool, len(snap.Skeletons))

	var out []Swipe
	for i := range snap.Skeletons {
		sk := &snap.Skeletons[i]
		if sk.State != types.Tracked {
			continue
		}
		seen[sk.TrackingID] = true

		tr := h.tracks[sk.TrackingID]
		if tr == nil {
			tr = &subjectTrack{}
			h.tracks[sk.TrackingID] = tr
		}

		if raised(sk, types.HandRight, types.ElbowRight) {
			tr.right = h.record(tr.right, now, sk.Joint(types.HandRight))
		} else {
			tr.right = tr.right[:0]
		}
		if raised(sk, types.HandLeft, types.ElbowLeft) {
			tr.left = h.record(tr.left, now, sk.Joint(types.HandLeft))
		} else {
			tr.left = tr.left[:0]
		}

		if now.Before(tr.quietUntil) {
			continue
		}

		dir := SwipeDirection(0)
		switch {
		case h.travelled(tr.right, +1):
			dir = SwipeRight
		case h.travelled(tr.left, -1):
			dir = SwipeLeft
		}
		if dir == 0 {
			continue
		}

		out = append(out, Swipe{Direction: dir, TrackingID: sk.TrackingID})
		tr.left = tr.left[:0]
		tr.right = tr.right[:0]
		tr.quietUntil = now.Add(h.cfg.Cooldown)
	}

	for id := range h.tracks {
		if !seen[id] {
			delete(h.tracks, id)
		}
	}
	return out
}

func raised(sk *types.Skeleton, hand, elbow types.JointType) bool {
	return sk.Joint(hand).Y > sk.Joint(elbow).Y
}

// record appends a sample and prunes the ones older than the window.
func (h *HandSwipe) record(samples []handSample, now time.Time, pos r3.Vector) []handSample {
	samples = append(samples, handSample{at: now, pos: pos})
	cut := 0
	for cut < len(samples) && now.Sub(samples[cut].at) > h.cfg.Window {
		cut++
	}
	if cut > 0 {
		samples = append(samples[:0], samples[cut:]...)
	}
	return samples
}

// travelled reports whether the latest sample is at least MinDistance from
// some earlier in-window sample in direction sign, without excessive drift.
func (h *HandSwipe) travelled(samples []handSample, sign float64) bool {
	if len(samples) < 2 {
		return false
	}
	last := samples[len(samples)-1].pos
	for _, s := range samples[:len(samples)-1] {
		d := last.Sub(s.pos)
		if d.X*sign >= h.cfg.MinDistance &&
			math.Abs(d.Y) <= h.cfg.MaxDrift &&
			math.Abs(d.Z) <= h.cfg.MaxDrift {
			return true
		}
	}
	return false
}
