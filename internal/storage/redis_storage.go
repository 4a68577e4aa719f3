package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/balanz/internal/config"
)

// RedisPresence implements PresenceRegistry on a Redis key per charger.
type RedisPresence struct {
	Client *redis.Client // exported for test injection
	Prefix string
}

// NewRedisPresence connects to Redis per cfg and verifies the
// connection with a ping before returning.
func NewRedisPresence(cfg config.RedisConfig) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "balanz:conn:"
	}
	return &RedisPresence{Client: client, Prefix: prefix}, nil
}

func (r *RedisPresence) key(chargerID string) string {
	return r.Prefix + chargerID
}

// Claim registers instanceID as the owner of chargerID.
func (r *RedisPresence) Claim(ctx context.Context, chargerID, instanceID string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.key(chargerID), instanceID, ttl).Err()
}

// Owner returns the instance holding chargerID, or redis.Nil.
func (r *RedisPresence) Owner(ctx context.Context, chargerID string) (string, error) {
	val, err := r.Client.Get(ctx, r.key(chargerID)).Result()
	if err == redis.Nil {
		return "", redis.Nil
	}
	return val, err
}

// Refresh extends the TTL of an existing claim.
func (r *RedisPresence) Refresh(ctx context.Context, chargerID string, ttl time.Duration) error {
	return r.Client.Expire(ctx, r.key(chargerID), ttl).Err()
}

// Release removes the claim for chargerID.
func (r *RedisPresence) Release(ctx context.Context, chargerID string) error {
	return r.Client.Del(ctx, r.key(chargerID)).Err()
}

// Close releases the Redis connection.
func (r *RedisPresence) Close() error {
	return r.Client.Close()
}
