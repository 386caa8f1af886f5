package notify

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/keydex/keydex/internal/index"
)

// RedisBackend publishes notifications to Redis via Pub/Sub.
type RedisBackend struct {
	client  *redis.Client
	channel string
}

func NewRedisBackend(addr, password string, db int, channel string) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBackend{client: client, channel: channel}
}

func (r *RedisBackend) Name() string {
	return "redis"
}

func (r *RedisBackend) Publish(ctx context.Context, _ index.Event, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
