package sensor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/e7canasta/greenscreen/internal/broadcast"
)

const (
	// A feed is stable when the FPS standard deviation is under 15% of the
	// mean and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// WarmupStats summarises the arrival timing of a feed.
type WarmupStats struct {
	FramesReceived int           `json:"frames_received"`
	Duration       time.Duration `json:"duration"`
	FPSMean        float64       `json:"fps_mean"`
	FPSStdDev      float64       `json:"fps_stddev"`
	FPSMin         float64       `json:"fps_min"`
	FPSMax         float64       `json:"fps_max"`
	JitterMean     float64       `json:"jitter_mean_s"`
	JitterMax      float64       `json:"jitter_max_s"`
	IsStable       bool          `json:"is_stable"`
}

// FPSStats computes WarmupStats from arrival times observed over total.
func FPSStats(arrivals []time.Time, total time.Duration) WarmupStats {
	st := WarmupStats{FramesReceived: len(arrivals), Duration: total}
	if len(arrivals) == 0 || total <= 0 {
		return st
	}
	st.FPSMean = float64(len(arrivals)) / total.Seconds()

	intervals := make([]float64, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		if d := arrivals[i].Sub(arrivals[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return st
	}

	fps := make([]float64, len(intervals))
	for i, d := range intervals {
		fps[i] = 1 / d
	}
	st.FPSMin = floats.Min(fps)
	st.FPSMax = floats.Max(fps)

	// Deviation is measured around the overall rate, not the mean of the
	// instantaneous rates.
	dev := make([]float64, len(fps))
	for i, f := range fps {
		dev[i] = (f - st.FPSMean) * (f - st.FPSMean)
	}
	st.FPSStdDev = math.Sqrt(stat.Mean(dev, nil))

	expected := 1 / st.FPSMean
	jitter := make([]float64, len(intervals))
	for i, d := range intervals {
		jitter[i] = math.Abs(d - expected)
	}
	st.JitterMean = stat.Mean(jitter, nil)
	st.JitterMax = floats.Max(jitter)

	st.IsStable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

// Warmup records arrivals on sub for d (or until the feed ends) and
// returns their statistics. The subscription is closed on return.
func Warmup[T any](ctx context.Context, sub *broadcast.Subscription[T], d time.Duration) (WarmupStats, error) {
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	var arrivals []time.Time
	for {
		_, err := sub.Receive(ctx)
		if err != nil {
			elapsed := time.Since(start)
			st := FPSStats(arrivals, elapsed)
			if errors.Is(err, context.DeadlineExceeded) || broadcast.IsTerminal(err) {
				slog.Info("sensor: warmup complete",
					"feed", sub.ID(),
					"frames", st.FramesReceived,
					"fps_mean", st.FPSMean,
					"fps_stddev", st.FPSStdDev,
					"jitter_mean", st.JitterMean,
					"stable", st.IsStable,
				)
				return st, nil
			}
			return st, err
		}
		arrivals = append(arrivals, time.Now())
	}
}
