package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is the production Bus, backed by Redis Pub/Sub. Publish is
// fire-and-forget; a failed publish is logged and the caller moves on.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("bus publish failed")
		return err
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, pattern string, handler Handler) (func(), error) {
	pubsub := b.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("bus unsubscribe failed")
		}
	}, nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}
