// Package infra holds concrete infrastructure adapters. The bridge core
// depends only on small interfaces (speedlayer.KVClient); this package
// binds them to real clients.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV wraps go-redis v9 behind the key/value surface the shared
// decision cache needs. Construction pings the server so a misconfigured
// address fails at startup, not on the first validation.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects to Redis. The caller decides whether a connection
// failure is fatal or the bridge runs with the memory cache alone.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisKV{rdb: rdb}, nil
}

// Get returns the value for key; a missing key is (nil, nil).
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// Set stores value under key with the given TTL.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Del removes keys; used by operational tooling to invalidate decisions.
func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

// Close shuts down the connection pool.
func (r *RedisKV) Close() error { return r.rdb.Close() }
