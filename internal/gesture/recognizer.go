// Package gesture turns skeleton snapshots into commands.
//
// Per snapshot the Recognizer:
//  1. selects the nearest tracked subject (squared distance to the sensor);
//     with none tracked it falls back to the first record, with no active id
//  2. makes that subject's id the active id, replacing the previous one
//  3. runs the swipe engine and keeps only swipes from the active id:
//     right → NextImage, left → PreviousImage
//  4. evaluates the hands-together pose on the selected subject
//  5. emits ToGreenScreen on the pose's false→true edge and FromGreenScreen
//     on its true→false edge
//
// Commands are published on a broadcast so every subscriber sees each one.
package gesture

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Config parameterizes the recognizer.
type Config struct {
	Pose  PoseConfig  `yaml:"pose"`
	Swipe SwipeConfig `yaml:"swipe"`
}

// Recognizer is a single-consumer stage: Process must not be called
// concurrently.
type Recognizer struct {
	out      *broadcast.Broadcast[types.Command]
	detector SwipeDetector
	pose     PoseConfig

	handsClose bool
	activeID   atomic.Int64

	processed atomic.Uint64
	ignored   atomic.Uint64
	emitted   atomic.Uint64
}

// New creates a recognizer publishing on out. A nil detector disables swipe
// commands.
func New(out *broadcast.Broadcast[types.Command], detector SwipeDetector, pose PoseConfig) *Recognizer {
	r := &Recognizer{
		out:      out,
		detector: detector,
		pose:     pose,
	}
	r.activeID.Store(types.NoSubject)
	return r
}

// ActiveID returns the tracking id selected on the last snapshot.
func (r *Recognizer) ActiveID() int { return int(r.activeID.Load()) }

// Process handles one snapshot, publishes the resulting commands and
// returns them. The snapshot is released before Process returns.
func (r *Recognizer) Process(snap *types.SkeletonSnapshot) []types.Command {
	defer snap.Release()

	if !wellFormed(snap) {
		r.activeID.Store(types.NoSubject)
		r.ignored.Add(1)
		slog.Debug("gesture: ignoring empty or malformed snapshot")
		return nil
	}
	r.processed.Add(1)

	selected, nearestID := selectSubject(snap.Skeletons)
	r.activeID.Store(int64(nearestID))

	var cmds []types.Command
	if r.detector != nil {
		for _, sw := range r.detector.Detect(snap, nearestID) {
			if nearestID == types.NoSubject || sw.TrackingID != nearestID {
				slog.Debug("gesture: discarding swipe from inactive subject",
					"tracking_id", sw.TrackingID,
					"active_id", nearestID,
				)
				continue
			}
			switch sw.Direction {
			case SwipeRight:
				cmds = append(cmds, types.NextImage)
			case SwipeLeft:
				cmds = append(cmds, types.PreviousImage)
			}
		}
	}

	together := r.pose.HandsTogether(selected)
	if together != r.handsClose {
		r.handsClose = together
		if together {
			cmds = append(cmds, types.ToGreenScreen)
		} else {
			cmds = append(cmds, types.FromGreenScreen)
		}
	}

	for _, c := range cmds {
		slog.Debug("gesture: command", "command", c.String(), "active_id", nearestID, "seq", snap.Seq)
		r.out.Publish(c)
	}
	r.emitted.Add(uint64(len(cmds)))
	return cmds
}

// Run consumes snapshots until the input ends, then completes or faults the
// command broadcast accordingly.
func (r *Recognizer) Run(ctx context.Context, in *broadcast.Subscription[*types.SkeletonSnapshot]) error {
	slog.Info("gesture: recognizer started")
	for {
		snap, err := in.Receive(ctx)
		if err != nil {
			slog.Info("gesture: recognizer stopped", "reason", err)
			return r.out.Finish(err)
		}
		r.Process(snap)
	}
}

// Stats is a snapshot of recognizer counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Ignored   uint64 `json:"ignored"`
	Emitted   uint64 `json:"emitted"`
	ActiveID  int    `json:"active_id"`
}

// Stats returns current counters.
func (r *Recognizer) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		Ignored:   r.ignored.Load(),
		Emitted:   r.emitted.Load(),
		ActiveID:  r.ActiveID(),
	}
}

func wellFormed(snap *types.SkeletonSnapshot) bool {
	if snap == nil || len(snap.Skeletons) == 0 {
		return false
	}
	for i := range snap.Skeletons {
		if !snap.Skeletons[i].Valid() {
			return false
		}
	}
	return true
}

// selectSubject returns the nearest tracked skeleton and its id, or the
// first skeleton and NoSubject when none is tracked.
func selectSubject(skeletons []types.Skeleton) (*types.Skeleton, int) {
	var nearest *types.Skeleton
	best := 0.0
	for i := range skeletons {
		sk := &skeletons[i]
		if sk.State != types.Tracked {
			continue
		}
		d := sk.Position.Norm2()
		if nearest == nil || d < best {
			nearest, best = sk, d
		}
	}
	if nearest == nil {
		return &skeletons[0], types.NoSubject
	}
	return nearest, nearest.TrackingID
}
