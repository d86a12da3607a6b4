package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/greenscreen/internal/broadcast"
)

// reportStats logs a stats summary every interval.
func reportStats(ctx context.Context, interval time.Duration, a *app) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.pipeline.Stats()
			attrs := []any{
				"uptime", st.Uptime.Round(time.Second),
				"ready", st.Ready,
				"range", st.Range,
				"composites", st.Compositor.Merged,
				"skipped_no_background", st.Compositor.SkippedNoBg,
				"pairs", st.Join.Pairs,
				"join_drops", st.Join.LeftDrops + st.Join.RightDrops,
				"broadcast_drops", totalDrops(st.Broadcasts),
				"gestures", st.Gesture.Emitted,
				"slide", st.Slide.State,
				"fade", st.Fade.State,
			}
			if st.Sensor != nil {
				attrs = append(attrs,
					"sensor_connects", st.Sensor.Connects,
					"sensor_disconnects", st.Sensor.Disconnects,
				)
			}
			if a.sink != nil {
				ss := a.sink.Stats()
				attrs = append(attrs, "gst_pushed", ss.Pushed, "gst_failures", ss.Failures)
			}
			slog.Info("greenscreen: stats", attrs...)
		}
	}
}

func totalDrops(stats []broadcast.Stats) uint64 {
	var n uint64
	for _, s := range stats {
		n += s.TotalDropped()
	}
	return n
}

// printFinalStats prints a summary at shutdown.
func printFinalStats(a *app) {
	st := a.pipeline.Stats()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("  Session:               %s\n", st.Session)
	fmt.Printf("  Uptime:                %v\n", st.Uptime.Round(time.Second))

	if st.Sensor != nil {
		fmt.Println()
		fmt.Printf("  Depth Frames:          %d\n", st.Sensor.Depth)
		fmt.Printf("  Color Frames:          %d\n", st.Sensor.Color)
		fmt.Printf("  Skeleton Frames:       %d\n", st.Sensor.Skeleton)
		fmt.Printf("  Sensor Reconnects:     %d\n", st.Sensor.Disconnects)
	}

	fmt.Println()
	fmt.Printf("  Pairs Joined:          %d (%d depth, %d color dropped)\n",
		st.Join.Pairs, st.Join.LeftDrops, st.Join.RightDrops)
	fmt.Printf("  Composites:            %d\n", st.Compositor.Merged)
	fmt.Printf("  Skipped (no bg):       %d\n", st.Compositor.SkippedNoBg)
	fmt.Printf("  Gesture Commands:      %d\n", st.Gesture.Emitted)
	fmt.Printf("  Injected Commands:     %d\n", st.Injected)
	fmt.Printf("  Slides Completed:      %d\n", st.Slide.Completed)
	fmt.Printf("  Fades:                 %d\n", st.Fade.Fades)

	fmt.Println()
	fmt.Println("  Broadcasts:")
	for _, b := range st.Broadcasts {
		fmt.Printf("    %-15s: %d published, %d dropped\n", b.Name, b.Published, b.TotalDropped())
	}

	if a.saver != nil {
		saved, dropped := a.saver.Stats()
		fmt.Println()
		fmt.Printf("  Snapshots Saved:       %d (%d failed)\n", saved, dropped)
	}
	if a.sink != nil {
		ss := a.sink.Stats()
		fmt.Println()
		fmt.Printf("  GStreamer Sessions:    %d\n", ss.Sessions)
		fmt.Printf("  GStreamer Pushed:      %d frames\n", ss.Pushed)
		fmt.Printf("  GStreamer Errors:      %d network, %d codec, %d auth, %d unknown\n",
			ss.NetworkErrors, ss.CodecErrors, ss.AuthErrors, ss.UnknownErrors)
	}
	if a.control != nil {
		cs := a.control.Stats()
		fmt.Println()
		fmt.Printf("  MQTT Commands:         %d received, %d rejected\n", cs.Received, cs.Rejected)
		fmt.Printf("  MQTT Published:        %d (%d errors)\n", cs.Published, cs.Errors)
	}
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}
