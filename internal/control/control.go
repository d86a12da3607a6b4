// Package control is the MQTT control plane.
//
// Commands arrive as JSON on the control topic and are injected into the
// pipeline's command broadcast, next to the ones recognized from gestures.
// Every command on that broadcast is republished as an event, and a health
// summary is published periodically.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/config"
	"github.com/e7canasta/greenscreen/internal/pipeline"
	"github.com/e7canasta/greenscreen/internal/types"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("control: mqtt not connected")

// Target is the pipeline surface the control plane drives.
type Target interface {
	Inject(cmd types.Command)
	SetRange(r types.DepthRange) error
	Commands() *broadcast.Broadcast[types.Command]
	HealthCheck() pipeline.Health
	Stats() pipeline.Stats
}

// Command is a control plane request.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response acknowledges a Command.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Event is published for every command seen on the command broadcast.
type Event struct {
	Command   string `json:"command"`
	Session   string `json:"session"`
	Timestamp string `json:"timestamp"`
}

// Health is the payload of the health topic.
type Health struct {
	pipeline.Health
	InstanceID    string `json:"instance_id"`
	MQTTConnected bool   `json:"mqtt_connected"`
}

const queueSize = 10

// Controller owns the MQTT client, the command queue and the publishers.
type Controller struct {
	cfg        config.MQTTConfig
	instanceID string
	target     Target

	client    mqtt.Client
	connected atomic.Bool
	publish   func(topic string, payload []byte) error

	commands chan Command
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	received  atomic.Uint64
	rejected  atomic.Uint64
	published atomic.Uint64
	errors    atomic.Uint64
}

// New creates a controller. Nothing is connected until Connect.
func New(cfg config.MQTTConfig, instanceID string, target Target) *Controller {
	c := &Controller{
		cfg:        cfg,
		instanceID: instanceID,
		target:     target,
		commands:   make(chan Command, queueSize),
	}
	c.publish = c.publishMQTT
	return c
}

// Connect establishes the broker connection. paho reconnects on its own
// after the first success.
func (c *Controller) Connect(ctx context.Context) error {
	broker := c.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		c.connected.Store(true)
		slog.Info("control: mqtt connection established",
			"broker", broker,
			"client_id", c.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	c.client = mqtt.NewClient(opts)

	slog.Info("control: connecting to mqtt broker", "broker", broker)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		c.client.Disconnect(0)
		return fmt.Errorf("control: mqtt connection timeout")
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("control: connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: mqtt connection failed: %w", err)
	}
	c.connected.Store(true)
	return nil
}

// Start subscribes to the control topic and runs the command processor,
// the event forwarder and the health publisher until Stop or ctx ends.
func (c *Controller) Start(ctx context.Context) error {
	events, err := c.target.Commands().Subscribe("control", 16)
	if err != nil {
		return fmt.Errorf("control: subscribe commands: %w", err)
	}

	if c.client != nil {
		topic := c.cfg.Topics.Control
		slog.Info("control: subscribing to control plane", "topic", topic, "qos", c.cfg.QoS)

		token := c.client.Subscribe(topic, c.cfg.QoS, c.messageHandler)
		if !token.WaitTimeout(5 * time.Second) {
			events.Close()
			return fmt.Errorf("control: subscription timeout")
		}
		if err := token.Error(); err != nil {
			events.Close()
			return fmt.Errorf("control: subscription failed: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.processCommands(runCtx) }()
	go func() { defer c.wg.Done(); c.forwardEvents(runCtx, events) }()
	go func() { defer c.wg.Done(); c.healthLoop(runCtx) }()

	slog.Info("control: handler started")
	return nil
}

// Stop ends the workers, unsubscribes and disconnects.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.client != nil && c.client.IsConnected() {
		c.client.Unsubscribe(c.cfg.Topics.Control).WaitTimeout(time.Second)
		c.client.Disconnect(250)
	}
	c.connected.Store(false)
	slog.Info("control: handler stopped")
}

func (c *Controller) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		c.rejected.Add(1)
		c.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	c.received.Add(1)
	slog.Info("control: command received", "command", cmd.Command)

	select {
	case c.commands <- cmd:
	default:
		c.rejected.Add(1)
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (c *Controller) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.sendResponse(c.handle(cmd))
		}
	}
}

// handle executes one command and builds its response.
func (c *Controller) handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		resp.Status = "success"
		resp.Data = c.target.Stats()

	case "set_range":
		mode, _ := cmd.Params["range"].(string)
		r, err := types.ParseDepthRange(mode)
		if err == nil {
			err = c.target.SetRange(r)
		}
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"range": r.String()}

	default:
		pc, err := types.ParseCommand(cmd.Command)
		if err != nil {
			slog.Warn("control: unknown command", "command", cmd.Command)
			resp.Status = "error"
			resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
			break
		}
		c.target.Inject(pc)
		resp.Status = "accepted"
	}
	return resp
}

func (c *Controller) forwardEvents(ctx context.Context, events *broadcast.Subscription[types.Command]) {
	defer events.Close()
	for {
		cmd, err := events.Receive(ctx)
		if err != nil {
			return
		}
		if err := c.PublishCommand(cmd); err != nil {
			slog.Debug("control: command event not published", "command", cmd.String(), "error", err)
		}
	}
}

func (c *Controller) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.PublishHealth(); err != nil {
				slog.Debug("control: health not published", "error", err)
			}
		}
	}
}

// PublishCommand publishes cmd on the events topic.
func (c *Controller) PublishCommand(cmd types.Command) error {
	payload, err := json.Marshal(Event{
		Command:   cmd.String(),
		Session:   c.target.HealthCheck().Session,
		Timestamp: timestamp(),
	})
	if err != nil {
		return fmt.Errorf("control: marshal event: %w", err)
	}
	return c.send(c.cfg.Topics.Events+"/commands", payload)
}

// PublishHealth publishes the current health on the health topic.
func (c *Controller) PublishHealth() error {
	payload, err := json.Marshal(Health{
		Health:        c.target.HealthCheck(),
		InstanceID:    c.instanceID,
		MQTTConnected: c.connected.Load(),
	})
	if err != nil {
		return fmt.Errorf("control: marshal health: %w", err)
	}
	return c.send(c.cfg.Topics.Health, payload)
}

func (c *Controller) sendResponse(resp Response) {
	resp.Timestamp = timestamp()
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}
	if err := c.send(c.cfg.Topics.Events+"/responses", payload); err != nil {
		slog.Warn("control: response not published", "command", resp.CommandAck, "error", err)
	}
}

func (c *Controller) send(topic string, payload []byte) error {
	if err := c.publish(topic, payload); err != nil {
		c.errors.Add(1)
		return err
	}
	c.published.Add(1)
	return nil
}

func (c *Controller) publishMQTT(topic string, payload []byte) error {
	if c.client == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("control: publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: publish failed: %w", err)
	}
	return nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Stats contains control plane counters.
type Stats struct {
	Connected bool   `json:"connected"`
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Connected: c.connected.Load(),
		Received:  c.received.Load(),
		Rejected:  c.rejected.Load(),
		Published: c.published.Load(),
		Errors:    c.errors.Load(),
	}
}
