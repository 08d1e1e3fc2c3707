package notifier

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

var _ Relay = &RedisRelay{}

// RedisRelay relays events with redis pub/sub
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay creates a relay over client. The relay owns the client.
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisRelay) Listen(ctx context.Context, deliver func(payload []byte)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed so early publishes are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription channel closed")
			}
			deliver([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
