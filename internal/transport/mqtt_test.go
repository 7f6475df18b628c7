package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"ibamex-backend/internal/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		BrokerURL:         "tcp://localhost:1883",
		ClientID:          "test-client",
		Username:          "bus",
		Password:          "secret",
		CountTopic:        config.DefaultCountTopic,
		StatusTopic:       config.DefaultStatusTopic,
		ReconnectInterval: 3 * time.Second,
		KeepAlive:         30 * time.Second,
		ConnectTimeout:    2 * time.Second,
	}
}

func TestClientOptions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := NewMQTTClient(testConfig(), logger)

	opts := c.clientOptions(testConfig())

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://localhost:1883", opts.Servers[0].String())
	assert.Equal(t, "test-client", opts.ClientID)
	assert.Equal(t, "bus", opts.Username)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.True(t, opts.Order)
	// fixed backoff: retry interval and reconnect ceiling are the same
	assert.Equal(t, 3*time.Second, opts.ConnectRetryInterval)
	assert.Equal(t, 3*time.Second, opts.MaxReconnectInterval)
}

func TestMessageCallback(t *testing.T) {
	var gotTopic string
	var gotPayload []byte

	cb := messageCallback(func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	})
	cb(nil, &fakeMessage{topic: "ibamex/bus/status", payload: []byte(`{"busId":"BUS1"}`)})

	assert.Equal(t, "ibamex/bus/status", gotTopic)
	assert.Equal(t, `{"busId":"BUS1"}`, string(gotPayload))
}

func TestSubscribe_RecordsWhileDisconnected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := NewMQTTClient(testConfig(), logger)

	err := c.Subscribe("ibamex/bus/passenger/count", func(string, []byte) {})
	assert.NoError(t, err)

	c.mu.RLock()
	_, ok := c.subscriptions["ibamex/bus/passenger/count"]
	c.mu.RUnlock()
	assert.True(t, ok)
	assert.False(t, c.IsConnected())
}

func TestPublish_NotConnected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := NewMQTTClient(testConfig(), logger)

	err := c.Publish("ibamex/bus/status", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTClient_Integration(t *testing.T) {
	broker := os.Getenv("MQTT_BROKER_URL")
	if broker == "" {
		t.Skip("MQTT_BROKER_URL not set, skipping integration test")
	}

	cfg := testConfig()
	cfg.BrokerURL = broker
	cfg.Username = ""
	cfg.ClientID = "ibamex-test-" + uuid.New().String()[:8]
	topic := "ibamex/test/" + uuid.New().String()

	c := NewMQTTClient(cfg, logrus.New())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	received := make(chan []byte, 1)
	require.NoError(t, c.Subscribe(topic, func(_ string, payload []byte) {
		received <- payload
	}))

	require.NoError(t, c.Publish(topic, []byte("hello")))

	select {
	case payload := <-received:
		assert.Equal(t, "hello", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive published message")
	}
}
