package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // key prefix, defaults to "hlsplay:"
}

// RedisTier is a Tier backed by Redis.
type RedisTier struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisTier connects to Redis and verifies the connection with a PING.
func NewRedisTier(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "hlsplay:"
	}
	log.Info("connected to redis cache tier", slog.String("addr", cfg.Addr), slog.Int("db", cfg.DB))
	return &RedisTier{client: client, prefix: prefix, log: log}, nil
}

// Get implements Tier. The value and its PTTL are read in one round trip.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, r.prefix+key)
	pttl := pipe.PTTL(ctx, r.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}
	b, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return b, ttl, true, nil
}

// Set implements Tier.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Expire implements Tier.
func (r *RedisTier) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.PExpire(ctx, r.prefix+key, ttl).Err()
}

// HealthCheck pings Redis.
func (r *RedisTier) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
