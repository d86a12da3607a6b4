package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/config"
	"github.com/e7canasta/greenscreen/internal/control"
	"github.com/e7canasta/greenscreen/internal/output"
	"github.com/e7canasta/greenscreen/internal/output/gstsink"
	"github.com/e7canasta/greenscreen/internal/pictures"
	"github.com/e7canasta/greenscreen/internal/pipeline"
	"github.com/e7canasta/greenscreen/internal/sensor"
	"github.com/e7canasta/greenscreen/internal/types"
)

const defaultConfigPath = "config/greenscreen.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty = defaults)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFormat := flag.String("log-format", "json", "Log format: json or text")
	statsInterval := flag.Duration("stats-interval", 10*time.Second, "Stats reporting interval (0 = off)")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting greenscreen",
		"config", *configPath,
		"debug", *debug,
	)

	if err := run(*configPath, *statsInterval); err != nil {
		slog.Error("greenscreen failed", "error", err)
		os.Exit(1)
	}
	slog.Info("greenscreen stopped successfully")
}

func run(configPath string, statsInterval time.Duration) error {
	if _, err := os.Stat(configPath); configPath == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", configPath)
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sinks, err := a.start(ctx)
	if err != nil {
		return err
	}

	if statsInterval > 0 {
		go reportStats(ctx, statsInterval, a)
	}

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- a.pipeline.Wait() }()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr = <-pipelineDone:
		if runErr != nil {
			slog.Error("pipeline error", "error", runErr)
		} else {
			slog.Info("pipeline finished")
		}
	}

	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	if err := a.pipeline.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if a.control != nil {
		a.control.Stop()
	}

	// Sinks drain the completed output, then the server stops.
	sinkDone := make(chan error, 1)
	go func() { sinkDone <- sinks.Wait() }()
	select {
	case err := <-sinkDone:
		if err != nil {
			slog.Warn("sink ended with error", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("sinks did not drain before the shutdown timeout")
	}
	cancel()

	printFinalStats(a)
	return runErr
}

// app holds the wired components.
type app struct {
	cfg      *config.Config
	recorder *sensor.Recorder
	sensor   *sensor.Supervisor
	pipeline *pipeline.Pipeline
	preview  *output.Preview
	saver    *output.Saver
	sink     *gstsink.Sink
	control  *control.Controller
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var connect sensor.ConnectFunc
	switch cfg.Sensor.Kind {
	case "replay":
		connect = sensor.ReplayConnector(cfg.Sensor.Replay)
	default:
		connect = sensor.SyntheticConnector(cfg.Sensor.Synthetic)
	}

	if cfg.Sensor.RecordPath != "" {
		rec, err := sensor.CreateRecorder(cfg.Sensor.RecordPath)
		if err != nil {
			return nil, err
		}
		a.recorder = rec
	}

	rng := types.RangeDefault
	if cfg.Sensor.NearMode {
		rng = types.RangeNear
	}
	a.sensor = sensor.NewSupervisor(connect, sensor.SupervisorConfig{
		Reconnect: cfg.Sensor.Reconnect,
		Range:     rng,
		Recorder:  a.recorder,
	})

	paths := pictures.Scan(cfg.Pictures.CommonDir, cfg.Pictures.UserDir)
	if len(paths) == 0 {
		slog.Warn("no background pictures found, composites wait for a background",
			"common_dir", cfg.Pictures.CommonDir,
			"user_dir", cfg.Pictures.UserDir,
		)
	} else {
		slog.Info("background pictures found", "count", len(paths))
	}

	p, err := pipeline.Build(pipeline.Deps{
		Sensor:   a.sensor,
		Pictures: pictures.NewStore(paths, nil),
	}, pipeline.Config{
		Gesture:    cfg.Gesture,
		Slide:      cfg.Slide,
		Green:      cfg.Green,
		Compositor: cfg.Compositor,
		Warmup:     cfg.Sensor.Warmup,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.pipeline = p

	if cfg.Output.SnapshotDir != "" {
		saver, err := output.NewSaver(cfg.Output.SnapshotDir, cfg.Output.SnapshotFormat, cfg.Output.JPEGQuality)
		if err != nil {
			a.close()
			return nil, err
		}
		a.saver = saver
	}
	a.preview = output.NewPreview(output.PreviewConfig{
		Addr:        cfg.Output.HTTPAddr,
		JPEGQuality: cfg.Output.JPEGQuality,
	}, p, a.saver)

	if g := cfg.Output.GStreamer; g.Mode != gstsink.ModeOff {
		a.sink = gstsink.New(gstsink.Config{
			Mode:      g.Mode,
			Location:  g.Location,
			FPS:       g.FPS,
			Bitrate:   g.Bitrate,
			Reconnect: cfg.Sensor.Reconnect,
		})
	}

	if cfg.MQTT.Broker != "" {
		a.control = control.New(cfg.MQTT, cfg.InstanceID, p)
	}
	return a, nil
}

// start subscribes the sinks, connects the control plane and starts the
// pipeline. The returned group ends when every sink has returned.
func (a *app) start(ctx context.Context) (*errgroup.Group, error) {
	subscribe := func(id string, capacity int) (*broadcast.Subscription[*types.CompositeFrame], error) {
		sub, err := a.pipeline.Output().Subscribe(id, capacity)
		if err != nil {
			return nil, fmt.Errorf("greenscreen: subscribe %s: %w", id, err)
		}
		return sub, nil
	}

	g := new(errgroup.Group)

	previewSub, err := subscribe("preview", 1)
	if err != nil {
		return nil, err
	}
	g.Go(func() error { return a.preview.Run(ctx, previewSub) })
	go func() {
		if err := a.preview.ListenAndServe(ctx); err != nil {
			slog.Error("preview server failed", "error", err)
		}
	}()

	if a.saver != nil && a.cfg.Output.SnapshotEvery > 0 {
		saverSub, err := subscribe("saver", 1)
		if err != nil {
			return nil, err
		}
		g.Go(func() error { return a.saver.Run(ctx, saverSub, a.cfg.Output.SnapshotEvery) })
	}

	if a.sink != nil {
		sinkSub, err := subscribe("gstreamer", 1)
		if err != nil {
			return nil, err
		}
		g.Go(func() error { return a.sink.Run(ctx, sinkSub) })
	}

	if a.control != nil {
		if err := a.control.Connect(ctx); err != nil {
			// The pipeline runs without remote control.
			slog.Warn("mqtt unavailable, control plane disabled", "error", err)
			a.control = nil
		} else if err := a.control.Start(ctx); err != nil {
			return nil, err
		}
	}

	if err := a.pipeline.Start(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (a *app) close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			slog.Warn("failed to close recording", "error", err)
		} else {
			slog.Info("recording closed", "records", a.recorder.Records())
		}
	}
}
