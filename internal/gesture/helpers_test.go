package gesture

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/e7canasta/greenscreen/internal/types"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// subject builds a tracked skeleton at distance z with arms down.
func subject(id int, z float64) types.Skeleton {
	sk := types.Skeleton{
		TrackingID: id,
		State:      types.Tracked,
		Position:   r3.Vector{Z: z},
	}
	for j := range sk.Joints {
		sk.Joints[j] = types.Joint{State: types.Tracked, Position: r3.Vector{Z: z}}
	}
	sk.Joints[types.ShoulderLeft].Position = r3.Vector{X: -0.2, Y: 0.4, Z: z}
	sk.Joints[types.ShoulderRight].Position = r3.Vector{X: 0.2, Y: 0.4, Z: z}
	sk.Joints[types.ElbowLeft].Position = r3.Vector{X: -0.25, Y: 0.1, Z: z}
	sk.Joints[types.ElbowRight].Position = r3.Vector{X: 0.25, Y: 0.1, Z: z}
	sk.Joints[types.HandLeft].Position = r3.Vector{X: -0.3, Y: -0.2, Z: z}
	sk.Joints[types.HandRight].Position = r3.Vector{X: 0.3, Y: -0.2, Z: z}
	return sk
}

// handsTogether moves both hands to shoulder height in front of the chest.
func handsTogether(sk types.Skeleton) types.Skeleton {
	z := sk.Position.Z - 0.3
	sk.Joints[types.HandLeft].Position = r3.Vector{X: -0.05, Y: 0.42, Z: z}
	sk.Joints[types.HandRight].Position = r3.Vector{X: 0.05, Y: 0.41, Z: z}
	return sk
}

// rightHandAt raises the right hand to chest height at x.
func rightHandAt(sk types.Skeleton, x float64) types.Skeleton {
	sk.Joints[types.HandRight].Position = r3.Vector{X: x, Y: 0.3, Z: sk.Position.Z - 0.3}
	return sk
}

// leftHandAt raises the left hand to chest height at x.
func leftHandAt(sk types.Skeleton, x float64) types.Skeleton {
	sk.Joints[types.HandLeft].Position = r3.Vector{X: x, Y: 0.3, Z: sk.Position.Z - 0.3}
	return sk
}

func snapshot(tick int, skeletons ...types.Skeleton) *types.SkeletonSnapshot {
	return types.NewSkeletonSnapshot(uint64(tick), epoch.Add(time.Duration(tick)*33*time.Millisecond), skeletons, nil)
}
