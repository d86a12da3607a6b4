package gesture

import (
	"math"

	"github.com/e7canasta/greenscreen/internal/types"
)

// PoseConfig holds the proximity thresholds of the hands-together pose.
type PoseConfig struct {
	// ShoulderTolerance bounds |hand.Y - shoulder.Y| for each side.
	ShoulderTolerance float64 `yaml:"shoulder_tolerance"`
	// HandsXTolerance bounds |left.X - right.X|.
	HandsXTolerance float64 `yaml:"hands_x_tolerance"`
	// HandsTolerance bounds |left.Y - right.Y| and |left.Z - right.Z|.
	HandsTolerance float64 `yaml:"hands_tolerance"`
}

// DefaultPoseConfig returns the thresholds used by the recognizer.
func DefaultPoseConfig() PoseConfig {
	return PoseConfig{
		ShoulderTolerance: 0.1,
		HandsXTolerance:   0.5,
		HandsTolerance:    0.1,
	}
}

// HandsTogether reports whether both hands are at shoulder height and close
// to each other.
func (c PoseConfig) HandsTogether(s *types.Skeleton) bool {
	handL := s.Joint(types.HandLeft)
	handR := s.Joint(types.HandRight)
	shoulderL := s.Joint(types.ShoulderLeft)
	shoulderR := s.Joint(types.ShoulderRight)

	return math.Abs(handL.Y-shoulderL.Y) < c.ShoulderTolerance &&
		math.Abs(handR.Y-shoulderR.Y) < c.ShoulderTolerance &&
		math.Abs(handL.X-handR.X) < c.HandsXTolerance &&
		math.Abs(handL.Y-handR.Y) < c.HandsTolerance &&
		math.Abs(handL.Z-handR.Z) < c.HandsTolerance
}
