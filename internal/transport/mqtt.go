package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ibamex-backend/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MessageHandler receives the raw topic and payload of one delivered message.
type MessageHandler func(topic string, payload []byte)

var ErrNotConnected = errors.New("mqtt client not connected")

// MQTTClient is the process-wide telemetry transport. Subscriptions are
// remembered and re-established on every (re)connect because sessions are
// clean.
type MQTTClient struct {
	client         mqtt.Client
	qos            byte
	connectTimeout time.Duration
	logger         logrus.FieldLogger

	mu            sync.RWMutex
	subscriptions map[string]MessageHandler
}

func NewMQTTClient(cfg config.MQTTConfig, logger logrus.FieldLogger) *MQTTClient {
	c := &MQTTClient{
		qos:            cfg.QoS,
		connectTimeout: cfg.ConnectTimeout,
		logger:         logger.WithField("component", "mqtt"),
		subscriptions:  make(map[string]MessageHandler),
	}
	c.client = mqtt.NewClient(c.clientOptions(cfg))
	return c
}

func (c *MQTTClient) clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ReconnectInterval).
		SetMaxReconnectInterval(cfg.ReconnectInterval).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(_ mqtt.Client, opts *mqtt.ClientOptions) {
			c.logger.WithField("broker", cfg.BrokerURL).Info("Reconnecting to MQTT broker")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// Connect blocks until the first connection succeeds or ctx is done. Failed
// attempts are retried in the background at the configured interval.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for topic. If the client is connected the
// subscription is made immediately, otherwise on the next connect.
func (c *MQTTClient) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *MQTTClient) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.qos, messageCallback(handler))
	if !token.WaitTimeout(c.connectTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.WithField("topic", topic).Info("Subscribed to MQTT topic")
	return nil
}

func (c *MQTTClient) Publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(c.connectTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}

func (c *MQTTClient) onConnect(_ mqtt.Client) {
	c.logger.Info("Connected to MQTT broker")

	c.mu.RLock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.WithError(err).WithField("topic", topic).Error("Resubscribe failed")
		}
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.WithError(err).Warn("MQTT connection lost")
}

func messageCallback(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
