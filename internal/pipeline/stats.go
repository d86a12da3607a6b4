package pipeline

import (
	"time"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/compose"
	"github.com/e7canasta/greenscreen/internal/fade"
	"github.com/e7canasta/greenscreen/internal/gesture"
	"github.com/e7canasta/greenscreen/internal/join"
	"github.com/e7canasta/greenscreen/internal/sensor"
	"github.com/e7canasta/greenscreen/internal/slide"
)

// Stats aggregates the counters of every stage.
type Stats struct {
	Session  string        `json:"session"`
	Uptime   time.Duration `json:"uptime_ns"`
	Ready    bool          `json:"ready"`
	Range    string        `json:"range"`
	Injected uint64        `json:"injected_commands"`

	Sensor     *sensor.Stats     `json:"sensor,omitempty"`
	Gesture    gesture.Stats     `json:"gesture"`
	Slide      slide.Stats       `json:"slide"`
	Fade       fade.Stats        `json:"fade"`
	Join       join.Stats        `json:"join"`
	Compositor compose.Stats     `json:"compositor"`
	Broadcasts []broadcast.Stats `json:"broadcasts"`
}

// Stats returns a snapshot of all counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	started := p.startedAt
	p.mu.Unlock()

	st := Stats{
		Session:    p.session,
		Ready:      p.sensor.IsReady(),
		Range:      p.sensor.Range().String(),
		Injected:   p.injected.Load(),
		Gesture:    p.recognizer.Stats(),
		Slide:      p.animator.Stats(),
		Fade:       p.transformer.Stats(),
		Join:       p.frames.Stats(),
		Compositor: p.compositor.Stats(),
		Broadcasts: []broadcast.Stats{
			p.sensor.Depth().Stats(),
			p.sensor.Color().Stats(),
			p.sensor.Skeleton().Stats(),
			p.commands.Stats(),
			p.slides.Stats(),
			p.backgrounds.Stats(),
			p.output.Stats(),
		},
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started)
	}
	if s, ok := p.sensor.(interface{ Stats() sensor.Stats }); ok {
		ss := s.Stats()
		st.Sensor = &ss
	}
	return st
}
