// Package publisher fans out persisted track events to a message bus.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bdougie/vigil/internal/metrics"
	"github.com/bdougie/vigil/internal/models"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	qos            = 0
)

// Publisher delivers track events to subscribers. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev models.TrackEvent) error
	Close()
}

// Noop drops every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, models.TrackEvent) error { return nil }
func (Noop) Close()                                           {}

// client is the part of mqtt.Client the publisher uses
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes each event as JSON to {topic}/{camera_id}/{event_type}
type MQTTPublisher struct {
	client  client
	topic   string
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	published uint64
}

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own after
// a lost connection. m may be nil.
func NewMQTTPublisher(cfg MQTTConfig, m *metrics.Metrics, logger *slog.Logger) (*MQTTPublisher, error) {
	logger = logger.With("component", "publisher", "broker", cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "vigil"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.Disconnect(0)
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return newMQTTPublisher(c, cfg.Topic, m, logger), nil
}

func newMQTTPublisher(c client, topic string, m *metrics.Metrics, logger *slog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client:  c,
		topic:   strings.TrimRight(topic, "/"),
		metrics: m,
		logger:  logger,
	}
}

// Topic returns the topic an event is published to
func (p *MQTTPublisher) Topic(ev models.TrackEvent) string {
	return fmt.Sprintf("%s/%s/%s", p.topic, topicSegment(ev.CameraID), topicSegment(string(ev.Type)))
}

// Publish sends ev at QoS 0
func (p *MQTTPublisher) Publish(ctx context.Context, ev models.TrackEvent) error {
	err := p.publish(ctx, ev)
	p.metrics.RecordPublish(err)
	return err
}

func (p *MQTTPublisher) publish(ctx context.Context, ev models.TrackEvent) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := p.Topic(ev)
	token := p.client.Publish(topic, qos, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	p.logger.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

// Published returns how many events were delivered to the broker
func (p *MQTTPublisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Close disconnects with a short grace period
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt disconnected")
	}
}

// topicSegment keeps MQTT wildcards and separators out of a single level
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
