package pipeline

import "time"

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health is the summarized state of the pipeline.
type Health struct {
	Status        string `json:"status"`
	Session       string `json:"session"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Running       bool   `json:"running"`
	SensorReady   bool   `json:"sensor_ready"`
	Range         string `json:"range"`
	Composites    uint64 `json:"composites"`
	Error         string `json:"error,omitempty"`
}

// HealthCheck reports unhealthy when the network is not running, degraded
// while the sensor is not producing frames, healthy otherwise.
func (p *Pipeline) HealthCheck() Health {
	p.mu.Lock()
	started, startedAt, done, runErr := p.started, p.startedAt, p.done, p.err
	p.mu.Unlock()

	running := started
	if done != nil {
		select {
		case <-done:
			running = false
		default:
		}
	}

	h := Health{
		Status:      StatusHealthy,
		Session:     p.session,
		Running:     running,
		SensorReady: p.sensor.IsReady(),
		Range:       p.sensor.Range().String(),
		Composites:  p.output.Stats().Published,
	}
	if !startedAt.IsZero() {
		h.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	if runErr != nil {
		h.Error = runErr.Error()
	}

	switch {
	case !running:
		h.Status = StatusUnhealthy
	case !h.SensorReady:
		h.Status = StatusDegraded
	}
	return h
}
