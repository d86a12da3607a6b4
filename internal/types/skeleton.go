package types

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

// NoSubject is the tracking identifier used when no subject is tracked.
const NoSubject = -1

// TrackingState is the tracking quality of a subject or joint.
type TrackingState int

const (
	NotTracked TrackingState = iota
	PositionOnly
	Tracked
)

// JointType indexes Skeleton.Joints.
type JointType int

const (
	HipCenter JointType = iota
	Spine
	ShoulderCenter
	Head
	ShoulderLeft
	ElbowLeft
	WristLeft
	HandLeft
	ShoulderRight
	ElbowRight
	WristRight
	HandRight
	HipLeft
	KneeLeft
	AnkleLeft
	FootLeft
	HipRight
	KneeRight
	AnkleRight
	FootRight

	JointCount
)

// Joint is one tracked body point in sensor space (metres, sensor at origin).
type Joint struct {
	Position r3.Vector
	State    TrackingState
}

// Skeleton is one tracked-subject record.
type Skeleton struct {
	TrackingID int
	State      TrackingState
	Position   r3.Vector
	Joints     [JointCount]Joint
}

// Joint returns the position of joint j.
func (s *Skeleton) Joint(j JointType) r3.Vector { return s.Joints[j].Position }

// Valid reports whether every coordinate of the record is finite.
func (s *Skeleton) Valid() bool {
	if !finite(s.Position) {
		return false
	}
	for i := range s.Joints {
		if !finite(s.Joints[i].Position) {
			return false
		}
	}
	return true
}

func finite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}

// SkeletonSnapshot is the skeleton stream payload for one sensor tick.
//
// A snapshot is a single-use resource: the consumer calls Release once it
// has processed it. Release is idempotent.
type SkeletonSnapshot struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string
	Skeletons []Skeleton

	releaseOnce sync.Once
	release     func()
}

// NewSkeletonSnapshot creates a snapshot whose release hook runs once.
func NewSkeletonSnapshot(seq uint64, ts time.Time, skeletons []Skeleton, release func()) *SkeletonSnapshot {
	return &SkeletonSnapshot{
		Seq:       seq,
		Timestamp: ts,
		Skeletons: skeletons,
		release:   release,
	}
}

// Release returns the snapshot to its producer.
func (s *SkeletonSnapshot) Release() {
	if s == nil {
		return
	}
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
