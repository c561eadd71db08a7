package notify

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisChannelPrefix = "scriptlock:events:"

// RedisNotifier publishes events on a Redis pub/sub channel per project.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier returns a notifier that publishes to <prefix><project>.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Name returns the notifier name.
func (r *RedisNotifier) Name() string {
	return "redis"
}

// ChannelFor returns the pub/sub channel for an event.
func (r *RedisNotifier) ChannelFor(event Event) string {
	return r.prefix + event.Channel()
}

// Send publishes the event payload.
func (r *RedisNotifier) Send(ctx context.Context, event Event) error {
	body, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.ChannelFor(event), body).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisNotifier) Close() error {
	return nil
}
