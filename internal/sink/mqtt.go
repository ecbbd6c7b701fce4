package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/config"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

// MQTTPublisher publishes alerts to <prefix>/alerts/<stream> and, when
// enabled, every detection to <prefix>/detections/<stream>.
type MQTTPublisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTPublisher creates an unconnected publisher.
func NewMQTTPublisher(cfg config.MQTTConfig) *MQTTPublisher {
	return &MQTTPublisher{cfg: cfg}
}

// Connect dials the broker. Later connection losses are handled by paho's
// auto reconnect.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(p.topic("status"), "offline", p.cfg.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		log.Info().Str("broker", p.cfg.Broker).Str("client_id", p.cfg.ClientID).Msg("MQTT connection established")
		c.Publish(p.topic("status"), p.cfg.QoS, true, "online")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		log.Warn().Err(err).Str("broker", p.cfg.Broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()

	select {
	case <-token.Done():
	case <-time.After(mqttConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return nil
}

// Emit publishes the event when it is an alert, or when detection
// publishing is enabled.
func (p *MQTTPublisher) Emit(_ context.Context, e Event) error {
	var kind string
	switch {
	case e.Alert:
		kind = "alerts"
	case p.cfg.PublishDetections:
		kind = "detections"
	default:
		return nil
	}
	if !p.isConnected() {
		p.countError()
		return ErrMQTTNotConnected
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.countError()
		return fmt.Errorf("marshaling event: %w", err)
	}

	topic := p.topic(kind + "/" + e.StreamID)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		p.countError()
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("Detection published")
	return nil
}

// Disconnect announces the publisher offline and closes the connection.
func (p *MQTTPublisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Publish(p.topic("status"), p.cfg.QoS, true, "offline").WaitTimeout(mqttPublishTimeout)
		p.client.Disconnect(250)
		log.Info().Msg("MQTT disconnected")
	}
	p.setConnected(false)
}

// MQTTStats is reported in system health.
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

func (p *MQTTPublisher) Stats() MQTTStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return MQTTStats{Connected: p.connected, Published: p.published, Errors: p.errors}
}

func (p *MQTTPublisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// brokerURL accepts "host:port" or a full URL.
func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "ws://", "wss://", "mqtt://", "mqtts://", "tls://"} {
		if strings.HasPrefix(broker, scheme) {
			return broker
		}
	}
	return "tcp://" + broker
}
