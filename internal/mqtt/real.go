package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	publishTimeout = 5 * time.Second
	systemBufSize  = 64

	// eventBufSize absorbs bursts while the run loop is publishing. The
	// handler blocks when it is full, which stalls paho's ordered router.
	eventBufSize = 4096
)

// ErrNotConnected is returned when a manifest is published while the broker
// connection is down. Manifests are never buffered.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configures a RealClient.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string

	EventTopic    string
	ManifestTopic string
	SystemTopic   string
	QoS           byte

	// OnReject, if set, is called for every inbound message that fails to
	// decode. It runs on the paho router goroutine.
	OnReject func(topic string, err error)
}

// RealClient talks to an actual MQTT broker. It subscribes to customer
// events, publishes manifests, and buffers system events while disconnected.
type RealClient struct {
	client paho.Client
	opts   Options
	events chan Event
	done   chan struct{}

	// now stamps received messages; event timestamps ahead of it are clamped.
	now func() time.Time

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool // set after the first successful connect
	stalls    int  // times the event queue was full on delivery
	closeOnce sync.Once
}

// NewRealClient creates a client and starts connecting in the background.
// The subscription is (re)established on every connect.
func NewRealClient(opts Options) *RealClient {
	rc := newRealClient(nil, opts)

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     SystemShutdown,
		Reason:    "MQTT_DISCONNECT",
	})

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(opts.SystemTopic, string(will), 1, true).
		SetOnConnectHandler(rc.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt: connection lost", "err", err)
		})

	rc.client = paho.NewClient(po)
	rc.client.Connect()
	return rc
}

func newRealClient(client paho.Client, opts Options) *RealClient {
	return &RealClient{
		client: client,
		opts:   opts,
		events: make(chan Event, eventBufSize),
		done:   make(chan struct{}),
		buf:    newRingBuffer(systemBufSize),
		now:    time.Now,
	}
}

// Events returns the channel of decoded customer events.
func (c *RealClient) Events() <-chan Event {
	return c.events
}

// onConnect subscribes to the event topic and replays system events buffered
// while disconnected. paho calls it on its own goroutine.
func (c *RealClient) onConnect(client paho.Client) {
	token := client.Subscribe(c.opts.EventTopic, c.opts.QoS, func(_ paho.Client, m paho.Message) {
		c.handleMessage(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("mqtt: subscribe timeout", "topic", c.opts.EventTopic)
	} else if err := token.Error(); err != nil {
		slog.Error("mqtt: subscribe failed", "topic", c.opts.EventTopic, "err", err)
	} else {
		slog.Info("mqtt: subscribed", "topic", c.opts.EventTopic)
	}

	c.mu.Lock()
	reconnect := c.connected
	c.connected = true
	pending := c.buf.drainAll()
	c.mu.Unlock()

	if len(pending) > 0 {
		slog.Info("mqtt: replaying buffered system events", "count", len(pending))
	}
	for _, msg := range pending {
		if err := c.publish(msg); err != nil {
			slog.Error("mqtt: replay failed", "topic", msg.topic, "err", err)
		}
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: SystemReconnected})
		if err := c.publish(bufferedMsg{topic: c.opts.SystemTopic, payload: payload, qos: 1}); err != nil {
			slog.Error("mqtt: publish reconnected event", "err", err)
		}
	}
}

// handleMessage decodes one inbound message and queues it for the run loop.
// A timestamp later than the receipt time is replaced by the receipt time, so
// a producer clock running ahead cannot extend a customer's active window.
func (c *RealClient) handleMessage(topic string, payload []byte) {
	ev, err := DecodeEvent(topic, payload)
	if err != nil {
		slog.Warn("mqtt: rejected event", "topic", topic, "err", err)
		if c.opts.OnReject != nil {
			c.opts.OnReject(topic, err)
		}
		return
	}
	if received := c.now(); ev.Timestamp.After(received) {
		slog.Warn("mqtt: event timestamp ahead of clock, using receipt time",
			"phone", ev.Phone, "timestamp", ev.Timestamp, "received", received)
		ev.Timestamp = received
	}

	select {
	case c.events <- ev:
		return
	default:
	}

	c.mu.Lock()
	c.stalls++
	c.mu.Unlock()
	slog.Warn("mqtt: event queue full, delivery blocked", "capacity", eventBufSize, "phone", ev.Phone)

	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// PublishManifest sends a manifest. It fails fast when disconnected.
func (c *RealClient) PublishManifest(msg ManifestMessage) error {
	payload, err := FormatManifestPayload(msg)
	if err != nil {
		return fmt.Errorf("format manifest payload: %w", err)
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return c.publish(bufferedMsg{topic: c.opts.ManifestTopic, payload: payload, qos: c.opts.QoS})
}

// PublishSystem sends a system lifecycle event, or buffers it until the next
// connect if the broker is unreachable.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	msg := bufferedMsg{topic: c.opts.SystemTopic, payload: payload, qos: 1, retained: event.Retained}

	c.mu.Lock()
	if !c.client.IsConnectionOpen() {
		c.buf.push(msg)
		c.mu.Unlock()
		slog.Debug("mqtt: buffered system event", "event", event.Event)
		return nil
	}
	c.mu.Unlock()

	return c.publish(msg)
}

func (c *RealClient) publish(msg bufferedMsg) error {
	token := c.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// Unsubscribe stops delivery of new customer events.
func (c *RealClient) Unsubscribe() error {
	if !c.client.IsConnectionOpen() {
		return nil
	}
	token := c.client.Unsubscribe(c.opts.EventTopic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", c.opts.EventTopic)
	}
	return token.Error()
}

// IsConnected reports whether the broker connection is currently open.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Buffered returns the number of system events waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// Stalls returns how many deliveries found the event queue full.
func (c *RealClient) Stalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalls
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
