// Package config loads the greenscreen YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/greenscreen/internal/backoff"
	"github.com/e7canasta/greenscreen/internal/compose"
	"github.com/e7canasta/greenscreen/internal/fade"
	"github.com/e7canasta/greenscreen/internal/gesture"
	"github.com/e7canasta/greenscreen/internal/sensor"
	"github.com/e7canasta/greenscreen/internal/slide"
)

// Config is the complete configuration.
type Config struct {
	InstanceID       string `yaml:"instance_id"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // graceful shutdown timeout (default 5)

	Sensor     SensorConfig   `yaml:"sensor"`
	Pictures   PicturesConfig `yaml:"pictures"`
	Slide      slide.Config   `yaml:"slide"`
	Green      fade.Config    `yaml:"green"`
	Gesture    gesture.Config `yaml:"gesture"`
	Compositor compose.Config `yaml:"compositor"`
	Output     OutputConfig   `yaml:"output"`
	MQTT       MQTTConfig     `yaml:"mqtt"`
}

// SensorConfig selects and tunes the sensor device.
type SensorConfig struct {
	Kind       string         `yaml:"kind"` // synthetic, replay
	NearMode   bool           `yaml:"near_mode"`
	RecordPath string         `yaml:"record_path"` // optional msgpack recording
	Warmup     time.Duration  `yaml:"warmup"`      // 0 skips the warmup measurement
	Reconnect  backoff.Config `yaml:"reconnect"`

	Synthetic sensor.SyntheticConfig `yaml:"synthetic"`
	Replay    sensor.ReplayConfig    `yaml:"replay"`
}

// PicturesConfig locates the background pictures.
type PicturesConfig struct {
	CommonDir string `yaml:"common_dir"`
	UserDir   string `yaml:"user_dir"`
}

// OutputConfig configures the sinks.
type OutputConfig struct {
	HTTPAddr       string          `yaml:"http_addr"`
	JPEGQuality    int             `yaml:"jpeg_quality"`
	SnapshotDir    string          `yaml:"snapshot_dir"`    // empty disables snapshots
	SnapshotFormat string          `yaml:"snapshot_format"` // png, jpeg
	SnapshotEvery  int             `yaml:"snapshot_every"`  // save every nth composite (0 = on request only)
	GStreamer      GStreamerConfig `yaml:"gstreamer"`
}

// GStreamerConfig configures the GStreamer sink.
type GStreamerConfig struct {
	Mode     string `yaml:"mode"`     // off, display, rtmp, file
	Location string `yaml:"location"` // RTMP URL or file path
	FPS      int    `yaml:"fps"`
	Bitrate  int    `yaml:"bitrate_kbps"`
}

// MQTTConfig configures the control plane. An empty broker disables it.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Topics         MQTTTopics    `yaml:"topics"`
	QoS            byte          `yaml:"qos"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// MQTTTopics holds the topic names.
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return cfg
}

// Load reads and validates a YAML configuration file. An empty path
// returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
