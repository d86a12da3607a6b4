package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/greenscreen/internal/sensor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greenscreen.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.InstanceID != "greenscreen" {
		t.Errorf("InstanceID = %q", cfg.InstanceID)
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout())
	}
	if cfg.Sensor.Kind != "synthetic" {
		t.Errorf("Sensor.Kind = %q", cfg.Sensor.Kind)
	}
	if cfg.Slide.Pace != 3 || cfg.Slide.FPS != 30 || cfg.Slide.Accelerate != 1.8 {
		t.Errorf("Slide = %+v", cfg.Slide)
	}
	if cfg.Green.Color != "#ADFF2F" || cfg.Green.Step != 0.1 || cfg.Green.Interval != 100*time.Millisecond {
		t.Errorf("Green = %+v", cfg.Green)
	}
	if cfg.Output.HTTPAddr != ":8080" || cfg.Output.JPEGQuality != 80 || cfg.Output.GStreamer.Mode != "off" {
		t.Errorf("Output = %+v", cfg.Output)
	}
	want := MQTTTopics{
		Control: "greenscreen/control/greenscreen",
		Events:  "greenscreen/events/greenscreen",
		Health:  "greenscreen/health/greenscreen",
	}
	if diff := cmp.Diff(want, cfg.MQTT.Topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("MQTT enabled by default: %q", cfg.MQTT.Broker)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load(\"\") differs from Default (-want +got):\n%s", diff)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
instance_id: studio-2
sensor:
  kind: replay
  near_mode: true
  warmup: 2s
  replay:
    path: /tmp/session.rec
    loop: true
  synthetic:
    script:
      - {action: hands_together, duration: 1s}
      - {action: idle, duration: 500ms}
slide:
  pace: 5
green:
  color: "#00FF00"
  interval: 50ms
gesture:
  swipe:
    min_distance: 0.5
compositor:
  workers: 4
output:
  http_addr: "127.0.0.1:9000"
  gstreamer:
    mode: rtmp
    location: rtmp://localhost/live/studio
mqtt:
  broker: tcp://localhost:1883
  qos: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.InstanceID != "studio-2" {
		t.Errorf("InstanceID = %q", cfg.InstanceID)
	}
	if cfg.Sensor.Kind != "replay" || !cfg.Sensor.NearMode || cfg.Sensor.Warmup != 2*time.Second {
		t.Errorf("Sensor = %+v", cfg.Sensor)
	}
	if cfg.Sensor.Replay.Speed != 1 || !cfg.Sensor.Replay.Loop {
		t.Errorf("Replay = %+v", cfg.Sensor.Replay)
	}
	wantScript := []sensor.ScriptStep{
		{Action: sensor.ActionHandsTogether, Duration: time.Second},
		{Action: sensor.ActionIdle, Duration: 500 * time.Millisecond},
	}
	if diff := cmp.Diff(wantScript, cfg.Sensor.Synthetic.Script); diff != "" {
		t.Errorf("script mismatch (-want +got):\n%s", diff)
	}
	if cfg.Slide.Pace != 5 || cfg.Slide.FPS != 30 {
		t.Errorf("Slide = %+v", cfg.Slide)
	}
	if cfg.Green.Color != "#00FF00" || cfg.Green.Step != 0.1 || cfg.Green.Interval != 50*time.Millisecond {
		t.Errorf("Green = %+v", cfg.Green)
	}
	if cfg.Gesture.Swipe.MinDistance != 0.5 || cfg.Gesture.Swipe.Window != 600*time.Millisecond {
		t.Errorf("Swipe = %+v", cfg.Gesture.Swipe)
	}
	if cfg.Gesture.Pose.HandsXTolerance != 0.5 {
		t.Errorf("Pose = %+v", cfg.Gesture.Pose)
	}
	if cfg.Compositor.Workers != 4 {
		t.Errorf("Workers = %d", cfg.Compositor.Workers)
	}
	if cfg.MQTT.Topics.Control != "greenscreen/control/studio-2" || cfg.MQTT.ClientID != "greenscreen-studio-2" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.MQTT.QoS != 2 || cfg.MQTT.HealthInterval != 10*time.Second {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "instance_id: [unclosed\n")
	if _, err := Load(path); err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("parse error = %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"instance id", "instance_id: Studio_2\n"},
		{"sensor kind", "sensor: {kind: kinect}\n"},
		{"replay without path", "sensor: {kind: replay}\n"},
		{"drop probability", "sensor: {synthetic: {drop_probability: 1.5}}\n"},
		{"script action", "sensor: {synthetic: {script: [{action: jump, duration: 1s}]}}\n"},
		{"script duration", "sensor: {synthetic: {script: [{action: idle}]}}\n"},
		{"retry delays", "sensor: {reconnect: {retry_delay: 10s, max_retry_delay: 1s}}\n"},
		{"accelerate", "slide: {accelerate: 0.5}\n"},
		{"green color", "green: {color: chartreuse}\n"},
		{"green step", "green: {step: 2}\n"},
		{"workers", "compositor: {workers: 64}\n"},
		{"jpeg quality", "output: {jpeg_quality: 101}\n"},
		{"snapshot format", "output: {snapshot_format: bmp}\n"},
		{"gstreamer mode", "output: {gstreamer: {mode: udp}}\n"},
		{"rtmp without location", "output: {gstreamer: {mode: rtmp}}\n"},
		{"qos", "mqtt: {qos: 3}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Load() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "greenscreen.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "studio-1" || cfg.Compositor.Workers != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Sensor.Synthetic.Script) == 0 {
		t.Error("default script not applied")
	}
	if cfg.MQTT.Topics.Health != "greenscreen/health/studio-1" {
		t.Errorf("health topic = %q", cfg.MQTT.Topics.Health)
	}
}
