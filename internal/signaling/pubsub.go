package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lifecycleChannel = "live:lifecycle"
	publishTimeout   = 5 * time.Second
)

// redisEnvelope is the message published to Redis for cross-instance
// lifecycle broadcast.
type redisEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub bridges session lifecycle events across instances. It
// implements LifecyclePublisher and LifecycleSubscriber.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for lifecycle events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishSessionEvent publishes a lifecycle event to the shared channel.
func (r *RedisPubSub) PublishSessionEvent(event string, payload []byte) error {
	body, err := json.Marshal(redisEnvelope{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, lifecycleChannel, body).Err()
}

// SubscribeSessionEvents subscribes to the shared lifecycle channel and calls
// handler for each message. Returns a cancel function to stop the
// subscription.
func (r *RedisPubSub) SubscribeSessionEvents(handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, lifecycleChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e redisEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					r.logger.Warn("bad lifecycle payload", zap.Error(err))
					continue
				}
				handler(e.Event, e.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
