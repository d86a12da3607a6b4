package gstsink

import (
	"errors"
	"fmt"
	"strings"
)

// Modes.
const (
	ModeOff     = "off"
	ModeDisplay = "display"
	ModeRTMP    = "rtmp"
	ModeFile    = "file"
)

// ErrDisabled is returned by Describe for ModeOff.
var ErrDisabled = errors.New("gstsink: disabled")

// Describe builds the gst-launch description for a width x height RGBA
// feed. The appsrc element is named "src".
//
//	appsrc → videoconvert → autovideosink
//	appsrc → videoconvert → x264enc → flvmux → rtmpsink
//	appsrc → videoconvert → x264enc → matroskamux → filesink
func Describe(cfg Config, width, height int) (string, error) {
	if width <= 0 || height <= 0 {
		return "", fmt.Errorf("gstsink: invalid frame size %dx%d", width, height)
	}
	fps := max(cfg.FPS, 1)

	src := fmt.Sprintf(
		"appsrc name=src is-live=true format=time do-timestamp=true block=false "+
			"caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
			"queue leaky=downstream max-size-buffers=2 ! videoconvert",
		width, height, fps)

	encoder := fmt.Sprintf(
		"x264enc tune=zerolatency speed-preset=veryfast bitrate=%d key-int-max=%d",
		max(cfg.Bitrate, 1), fps*2)

	var sink string
	switch cfg.Mode {
	case ModeOff, "":
		return "", ErrDisabled
	case ModeDisplay:
		sink = "autovideosink sync=false"
	case ModeRTMP:
		if cfg.Location == "" {
			return "", fmt.Errorf("gstsink: rtmp mode requires a location")
		}
		sink = fmt.Sprintf("%s ! flvmux streamable=true ! rtmpsink location=%q", encoder, cfg.Location)
	case ModeFile:
		if cfg.Location == "" {
			return "", fmt.Errorf("gstsink: file mode requires a location")
		}
		sink = fmt.Sprintf("%s ! matroskamux ! filesink location=%q", encoder, cfg.Location)
	default:
		return "", fmt.Errorf("gstsink: unknown mode %q", cfg.Mode)
	}

	return strings.Join([]string{src, sink}, " ! "), nil
}
