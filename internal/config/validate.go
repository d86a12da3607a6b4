package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/e7canasta/greenscreen/internal/backoff"
	"github.com/e7canasta/greenscreen/internal/fade"
	"github.com/e7canasta/greenscreen/internal/gesture"
	"github.com/e7canasta/greenscreen/internal/sensor"
	"github.com/e7canasta/greenscreen/internal/slide"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Validate rejects impossible values and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "greenscreen"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return invalid("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSensor(&cfg.Sensor); err != nil {
		return err
	}
	validatePictures(&cfg.Pictures)
	if err := validateStages(cfg); err != nil {
		return err
	}
	if err := validateOutput(&cfg.Output); err != nil {
		return err
	}
	return validateMQTT(&cfg.MQTT, cfg.InstanceID)
}

func validateSensor(s *SensorConfig) error {
	switch s.Kind {
	case "":
		s.Kind = "synthetic"
	case "synthetic":
	case "replay":
		if s.Replay.Path == "" {
			return invalid("sensor.replay.path is required for kind replay")
		}
	default:
		return invalid("sensor.kind %q must be synthetic or replay", s.Kind)
	}
	if s.Warmup < 0 {
		return invalid("sensor.warmup must be >= 0")
	}

	def := backoff.DefaultConfig()
	if s.Reconnect.MaxRetries <= 0 {
		s.Reconnect.MaxRetries = def.MaxRetries
	}
	if s.Reconnect.RetryDelay <= 0 {
		s.Reconnect.RetryDelay = def.RetryDelay
	}
	if s.Reconnect.MaxRetryDelay <= 0 {
		s.Reconnect.MaxRetryDelay = def.MaxRetryDelay
	}
	if s.Reconnect.MaxRetryDelay < s.Reconnect.RetryDelay {
		return invalid("sensor.reconnect.max_retry_delay must be >= retry_delay")
	}

	syn := &s.Synthetic
	sd := sensor.DefaultSyntheticConfig()
	if syn.FPS <= 0 {
		syn.FPS = sd.FPS
	}
	if syn.TrackingID == 0 {
		syn.TrackingID = sd.TrackingID
	}
	if syn.Distance <= 0 {
		syn.Distance = sd.Distance
	}
	if len(syn.Script) == 0 {
		syn.Script = sd.Script
	}
	if syn.Seed == 0 {
		syn.Seed = sd.Seed
	}
	if syn.DropProbability < 0 || syn.DropProbability >= 1 {
		return invalid("sensor.synthetic.drop_probability must be in [0,1)")
	}
	for i, st := range syn.Script {
		switch st.Action {
		case sensor.ActionIdle, sensor.ActionHandsTogether, sensor.ActionSwipeLeft,
			sensor.ActionSwipeRight, sensor.ActionAbsent:
		default:
			return invalid("sensor.synthetic.script[%d]: unknown action %q", i, st.Action)
		}
		if st.Duration <= 0 {
			return invalid("sensor.synthetic.script[%d]: duration must be > 0", i)
		}
	}

	if s.Replay.Speed < 0 {
		return invalid("sensor.replay.speed must be >= 0")
	}
	if s.Replay.Speed == 0 {
		s.Replay.Speed = 1
	}
	return nil
}

func validatePictures(p *PicturesConfig) {
	if p.CommonDir == "" {
		p.CommonDir = "/usr/share/backgrounds"
	}
	if p.UserDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			p.UserDir = filepath.Join(home, "Pictures")
		}
	}
}

func validateStages(cfg *Config) error {
	sd := slide.DefaultConfig()
	if cfg.Slide.Pace == 0 {
		cfg.Slide.Pace = sd.Pace
	}
	if cfg.Slide.FPS == 0 {
		cfg.Slide.FPS = sd.FPS
	}
	if cfg.Slide.Accelerate == 0 {
		cfg.Slide.Accelerate = sd.Accelerate
	}
	if cfg.Slide.Pace < 0 || cfg.Slide.FPS < 0 {
		return invalid("slide.pace and slide.fps must be > 0")
	}
	if cfg.Slide.Accelerate < 1 {
		return invalid("slide.accelerate must be >= 1")
	}

	fd := fade.DefaultConfig()
	if cfg.Green.Color == "" {
		cfg.Green.Color = fd.Color
	}
	if _, err := fade.ParseColor(cfg.Green.Color); err != nil {
		return invalid("green.color: %v", err)
	}
	if cfg.Green.Step == 0 {
		cfg.Green.Step = fd.Step
	}
	if cfg.Green.Step < 0 || cfg.Green.Step > 1 {
		return invalid("green.step must be in (0,1]")
	}
	if cfg.Green.Interval <= 0 {
		cfg.Green.Interval = fd.Interval
	}

	pd := gesture.DefaultPoseConfig()
	pose := &cfg.Gesture.Pose
	if pose.ShoulderTolerance <= 0 {
		pose.ShoulderTolerance = pd.ShoulderTolerance
	}
	if pose.HandsXTolerance <= 0 {
		pose.HandsXTolerance = pd.HandsXTolerance
	}
	if pose.HandsTolerance <= 0 {
		pose.HandsTolerance = pd.HandsTolerance
	}

	swd := gesture.DefaultSwipeConfig()
	sw := &cfg.Gesture.Swipe
	if sw.MinDistance <= 0 {
		sw.MinDistance = swd.MinDistance
	}
	if sw.MaxDrift <= 0 {
		sw.MaxDrift = swd.MaxDrift
	}
	if sw.Window <= 0 {
		sw.Window = swd.Window
	}
	if sw.Cooldown < 0 {
		return invalid("gesture.swipe.cooldown must be >= 0")
	}
	if sw.Cooldown == 0 {
		sw.Cooldown = swd.Cooldown
	}

	if cfg.Compositor.Workers <= 0 {
		cfg.Compositor.Workers = 1
	}
	if cfg.Compositor.Workers > 16 {
		return invalid("compositor.workers must be <= 16")
	}
	return nil
}

func validateOutput(o *OutputConfig) error {
	if o.HTTPAddr == "" {
		o.HTTPAddr = ":8080"
	}
	if o.JPEGQuality == 0 {
		o.JPEGQuality = 80
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		return invalid("output.jpeg_quality must be in [1,100]")
	}
	if o.SnapshotEvery < 0 {
		return invalid("output.snapshot_every must be >= 0")
	}
	switch o.SnapshotFormat {
	case "":
		o.SnapshotFormat = "png"
	case "png", "jpeg":
	default:
		return invalid("output.snapshot_format %q must be png or jpeg", o.SnapshotFormat)
	}

	g := &o.GStreamer
	switch g.Mode {
	case "":
		g.Mode = "off"
	case "off", "display":
	case "rtmp", "file":
		if g.Location == "" {
			return invalid("output.gstreamer.location is required for mode %s", g.Mode)
		}
	default:
		return invalid("output.gstreamer.mode %q must be off, display, rtmp or file", g.Mode)
	}
	if g.FPS <= 0 {
		g.FPS = 30
	}
	if g.Bitrate <= 0 {
		g.Bitrate = 2000
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("greenscreen/control/%s", instanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("greenscreen/events/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("greenscreen/health/%s", instanceID)
	}
	if m.ClientID == "" {
		m.ClientID = "greenscreen-" + instanceID
	}
	if m.QoS > 2 {
		return invalid("mqtt.qos must be 0, 1 or 2")
	}
	if m.HealthInterval <= 0 {
		m.HealthInterval = 10 * time.Second
	}
	return nil
}
