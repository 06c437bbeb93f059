// Package mqttbridge forwards deliveries received by an mqlight client to an
// MQTT broker through paho.mqtt.golang.
//
// A delivery that needs confirmation is confirmed only after the MQTT
// publish completes, so a failed publish leaves it with the messaging
// service to be delivered again.
//
//	mqttClient, err := mqttbridge.Connect(mqttbridge.ClientOptions("tcp://localhost:1883", "bridge", "", ""), 10*time.Second)
//	bridge, err := mqttbridge.New(client, mqttClient, "sensors/#", mqttbridge.WithTopicPrefix("plant/"))
//	err = bridge.Run(ctx)
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vitalvas/mqlight"
)

var (
	// ErrPublishTimeout is returned when the MQTT broker does not complete a publish in time.
	ErrPublishTimeout = errors.New("mqttbridge: publish timeout")

	// ErrConnectFailed is returned by Connect when the MQTT broker cannot be reached.
	ErrConnectFailed = errors.New("mqttbridge: connect failed")
)

const defaultPublishTimeout = 10 * time.Second

// Receiver is the part of *mqlight.Client the bridge reads from.
type Receiver interface {
	Receive(ctx context.Context, pattern string, opts ...mqlight.ReceiveOption) (*mqlight.Delivery, error)
}

// Publisher is the part of paho's mqtt.Client the bridge publishes with.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

type options struct {
	mapTopic       func(topic string) string
	qos            byte
	retained       bool
	publishTimeout time.Duration
	receiveOpts    []mqlight.ReceiveOption
	logger         mqlight.Logger
	metrics        mqlight.Metrics
}

// Option configures a Bridge.
type Option func(*options)

// WithTopicPrefix prepends prefix to every MQTT topic.
func WithTopicPrefix(prefix string) Option {
	return func(o *options) {
		o.mapTopic = func(topic string) string { return prefix + topic }
	}
}

// WithTopicMapper sets the function that turns a delivery topic into an
// MQTT topic. An empty result skips the delivery, which is still confirmed.
func WithTopicMapper(fn func(topic string) string) Option {
	return func(o *options) {
		o.mapTopic = fn
	}
}

// WithQoS sets the MQTT publish QoS (0, 1 or 2). The default is 1.
func WithQoS(qos byte) Option {
	return func(o *options) {
		o.qos = qos
	}
}

// WithRetained publishes every message as retained.
func WithRetained(retained bool) Option {
	return func(o *options) {
		o.retained = retained
	}
}

// WithPublishTimeout bounds the wait for each MQTT publish to complete.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		o.publishTimeout = d
	}
}

// WithReceiveOptions passes options to every Receive, such as a share.
func WithReceiveOptions(opts ...mqlight.ReceiveOption) Option {
	return func(o *options) {
		o.receiveOpts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(logger mqlight.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the collector for the forwarded and failed counters.
func WithMetrics(m mqlight.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Bridge forwards the deliveries of one topic pattern to MQTT.
type Bridge struct {
	source  Receiver
	target  Publisher
	pattern string
	opts    options

	forwarded mqlight.Counter
	failed    mqlight.Counter
	skipped   mqlight.Counter
	latency   mqlight.Histogram
}

// New creates a bridge from the subscription to pattern on source to target.
// The subscription must already exist.
func New(source Receiver, target Publisher, pattern string, opts ...Option) (*Bridge, error) {
	if source == nil || target == nil {
		return nil, errors.New("mqttbridge: source and target are required")
	}
	if err := mqlight.ValidateTopicPattern(pattern); err != nil {
		return nil, fmt.Errorf("mqttbridge: pattern %q: %w", pattern, err)
	}

	o := options{
		mapTopic:       func(topic string) string { return topic },
		qos:            1,
		publishTimeout: defaultPublishTimeout,
		logger:         mqlight.NewNoOpLogger(),
		metrics:        &mqlight.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.qos > 2 {
		return nil, fmt.Errorf("mqttbridge: invalid qos %d", o.qos)
	}
	if o.publishTimeout <= 0 {
		return nil, errors.New("mqttbridge: publish timeout must be positive")
	}

	labels := mqlight.MetricLabels{"pattern": pattern}
	return &Bridge{
		source:    source,
		target:    target,
		pattern:   pattern,
		opts:      o,
		forwarded: o.metrics.Counter("mqlight_bridge_forwarded_total", labels),
		failed:    o.metrics.Counter("mqlight_bridge_failed_total", labels),
		skipped:   o.metrics.Counter("mqlight_bridge_skipped_total", labels),
		latency:   o.metrics.Histogram("mqlight_bridge_publish_seconds", labels),
	}, nil
}

// Run forwards deliveries until ctx ends, which returns nil, or Receive
// fails, which returns the error. A failed forward is logged and the loop
// goes on.
func (b *Bridge) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		d, err := b.source.Receive(ctx, b.pattern, b.opts.receiveOpts...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if d == nil {
			continue
		}

		if err := b.Forward(ctx, d); err != nil {
			b.opts.logger.Warn("forwarding delivery failed", mqlight.LogFields{
				mqlight.LogFieldTopic: d.Topic,
				mqlight.LogFieldError: err.Error(),
			})
		}
	}
	return nil
}

// Forward publishes one delivery and confirms it once the publish completed.
func (b *Bridge) Forward(ctx context.Context, d *mqlight.Delivery) error {
	topic := b.opts.mapTopic(d.Topic)
	if topic == "" {
		b.skipped.Inc()
		return b.confirm(ctx, d)
	}

	start := time.Now()
	if err := b.publish(ctx, topic, d.Data); err != nil {
		b.failed.Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.latency.ObserveDuration(time.Since(start))
	b.forwarded.Inc()

	return b.confirm(ctx, d)
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte) error {
	token := b.target.Publish(topic, b.opts.qos, b.opts.retained, payload)

	timer := time.NewTimer(b.opts.publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) confirm(ctx context.Context, d *mqlight.Delivery) error {
	if !d.NeedsConfirm() {
		return nil
	}
	if err := d.Confirm(ctx); err != nil {
		return fmt.Errorf("confirm %s: %w", d.Topic, err)
	}
	return nil
}

// ClientOptions returns paho options for a bridge connection: automatic
// reconnect and a clean session.
func ClientOptions(broker, clientID, username, password string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	return opts
}

// Connect creates a paho client and waits up to timeout for it to connect.
func Connect(opts *pahomqtt.ClientOptions, timeout time.Duration) (pahomqtt.Client, error) {
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return client, nil
}
