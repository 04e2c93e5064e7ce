package pubsub

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jensneuse/abstractlogger"
)

const mqttDisconnectQuiesce = 250

// MQTTEmitter uses MQTT topics with QoS 0.
type MQTTEmitter struct {
	log     abstractlogger.Logger
	client  mqtt.Client
	timeout time.Duration
}

func NewMQTTEmitter(brokerAddr, clientID string, logger abstractlogger.Logger) (*MQTTEmitter, error) {
	options := mqtt.NewClientOptions().
		AddBroker(brokerAddr).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(options)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return NewMQTTEmitterFromClient(client, logger), nil
}

func NewMQTTEmitterFromClient(client mqtt.Client, logger abstractlogger.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		log:     logger,
		client:  client,
		timeout: 10 * time.Second,
	}
}

func (m *MQTTEmitter) Listen(_ context.Context, topic string, handler func(payload []byte)) (func() error, error) {
	token := m.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if err := m.wait(token); err != nil {
		return nil, err
	}
	m.log.Debug("MQTTEmitter.Listen: subscribed",
		abstractlogger.String("topic", topic),
	)
	return func() error {
		return m.wait(m.client.Unsubscribe(topic))
	}, nil
}

func (m *MQTTEmitter) Emit(_ context.Context, topic string, payload []byte) error {
	return m.wait(m.client.Publish(topic, 0, false, payload))
}

func (m *MQTTEmitter) Close() error {
	m.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}

func (m *MQTTEmitter) wait(token mqtt.Token) error {
	if !token.WaitTimeout(m.timeout) {
		return context.DeadlineExceeded
	}
	return token.Error()
}

var _ Emitter = (*MQTTEmitter)(nil)
