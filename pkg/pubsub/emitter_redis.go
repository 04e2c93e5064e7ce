package pubsub

import (
	"context"

	"github.com/jensneuse/abstractlogger"
	"github.com/redis/go-redis/v9"
)

// RedisEmitter uses Redis PUBLISH/SUBSCRIBE channels as topics.
type RedisEmitter struct {
	log    abstractlogger.Logger
	client *redis.Client
}

func NewRedisEmitter(client *redis.Client, logger abstractlogger.Logger) *RedisEmitter {
	return &RedisEmitter{
		log:    logger,
		client: client,
	}
}

func (r *RedisEmitter) Listen(ctx context.Context, topic string, handler func(payload []byte)) (func() error, error) {
	subscription := r.client.Subscribe(ctx, topic)
	// wait for the confirmation, events published before are not delivered
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return nil, err
	}

	messages := subscription.Channel()
	go func() {
		for msg := range messages {
			handler([]byte(msg.Payload))
		}
		r.log.Debug("RedisEmitter.Listen: channel closed",
			abstractlogger.String("channel", topic),
		)
	}()

	return subscription.Close, nil
}

func (r *RedisEmitter) Emit(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *RedisEmitter) Close() error {
	return r.client.Close()
}

var _ Emitter = (*RedisEmitter)(nil)
