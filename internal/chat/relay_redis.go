package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisRelayChannel = "alumni-chat:relay"

// RedisRelay fans envelopes out through Redis PUBLISH/SUBSCRIBE.
type RedisRelay struct {
	client *redis.Client
	log    *zap.Logger
}

var _ Relay = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, log *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, log: log.Named("relay.redis")}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisRelayChannel, data).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %v", ErrTransport, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	pubsub := r.client.Subscribe(ctx, redisRelayChannel)
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: redis subscribe: %v", ErrTransport, err)
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.log.Warn("dropping malformed envelope", zap.Error(err))
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
