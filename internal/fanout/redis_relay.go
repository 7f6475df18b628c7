package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay shares events between backend instances over a Redis pub/sub
// channel. Locally produced events are published; events from other
// instances are handed to the local broadcaster.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	local   Broadcaster
	logger  logrus.FieldLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisRelay(client redis.UniversalClient, channel string, local Broadcaster, logger logrus.FieldLogger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		local:   local,
		logger:  logger.WithFields(logrus.Fields{"component": "relay", "channel": channel}),
	}
}

func (r *RedisRelay) Broadcast(event Event) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return r.client.Publish(ctx, r.channel, data).Err()
}

// Start subscribes and begins forwarding remote events. It returns once the
// subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.forward(pubsub.Channel())

	r.logger.Info("Fan-out relay subscribed")
	return nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	r.wg.Wait()
	return err
}

func (r *RedisRelay) forward(messages <-chan *redis.Message) {
	defer r.wg.Done()

	for msg := range messages {
		var envelope relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			r.logger.WithError(err).Warn("Discarding malformed relay message")
			continue
		}
		if envelope.Origin == r.origin {
			continue
		}
		if err := r.local.Broadcast(envelope.Event); err != nil {
			r.logger.WithError(err).Debug("Local broadcast of relayed event failed")
		}
	}
}
