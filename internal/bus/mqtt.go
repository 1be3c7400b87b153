// internal/bus/mqtt.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/protocol"
)

// MQTTBus carries envelopes over an MQTT broker, for deployments that
// already run one. QoS 1 gives at-least-once delivery; paho preserves
// per-topic ordering as long as ordered delivery is left enabled on the
// client options (the default).
type MQTTBus struct {
	client mqtt.Client
	logger *logrus.Logger
	prefix string
}

// NewMQTTBus connects to the broker at brokerURL (e.g. tcp://broker:1883).
func NewMQTTBus(brokerURL, clientID string, logger *logrus.Logger) (*MQTTBus, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", brokerURL, token.Error())
	}
	return &MQTTBus{client: client, logger: logger, prefix: "parlor/"}, nil
}

func (b *MQTTBus) topicName(topic string) string {
	return b.prefix + topic
}

// Publish sends the envelope at QoS 1.
func (b *MQTTBus) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope %s: %w", env.EventID, err)
	}
	token := b.client.Publish(b.topicName(topic), 1, false, data)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Subscribe registers the handler at QoS 1. Undecodable frames are logged
// and dropped.
func (b *MQTTBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			b.logger.Warnf("undecodable frame on %s: %v", msg.Topic(), err)
			return
		}
		h(ctx, env)
	}
	token := b.client.Subscribe(b.topicName(topic), 1, callback)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}
