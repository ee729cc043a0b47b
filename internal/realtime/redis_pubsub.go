package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	topicBuffer      = 512
)

// envelope is one event as carried on a Redis topic.
type envelope struct {
	Event string          `json:"e"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// RedisBridge is a Bridge over Redis pub/sub. One subscription is opened per
// bridged channel and its messages are handed to the hub in arrival order.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBridge creates a Redis bridge for hub channels.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger}
}

// Publish sends event on topic.
func (b *RedisBridge) Publish(topic, event string, payload []byte) error {
	body, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, topic, body).Err()
}

// Subscribe waits for Redis to confirm the subscription, then relays messages
// until cancel is called.
func (b *RedisBridge) Subscribe(topic string, handler func(event string, payload []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, topic)

	confirmCtx, confirmCancel := context.WithTimeout(ctx, subscribeTimeout)
	_, err := ps.Receive(confirmCtx)
	confirmCancel()
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go b.relay(ctx, ps, topic, handler)
	return cancel, nil
}

func (b *RedisBridge) relay(ctx context.Context, ps *redis.PubSub, topic string, handler func(string, []byte)) {
	defer ps.Close()
	msgs := ps.Channel(redis.WithChannelSize(topicBuffer))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed redis event", zap.String("topic", topic), zap.Error(err))
				continue
			}
			handler(env.Event, env.Data)
		}
	}
}
