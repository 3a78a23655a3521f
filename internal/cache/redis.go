// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
)

// RedisConfig holds Redis connection configuration for shared caches.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // optional
	DB       int
	// Prefix namespaces every key so multiple SDK processes can share one
	// instance without collisions.
	Prefix string
}

// redisCache is a Redis-backed Cache used when token or endpoint state must
// be shared across processes.
type redisCache struct {
	name   string
	prefix string
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisCache creates a Redis-backed cache. The connection is verified
// before the cache is returned.
func NewRedisCache(name string, cfg RedisConfig, logger zerolog.Logger) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "atlas:" + name + ":"
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis cache")

	return &redisCache{
		name:   name,
		prefix: prefix,
		client: client,
		logger: logger,
	}, nil
}

func (c *redisCache) key(k string) string { return c.prefix + k }

func (c *redisCache) Get(key string) (any, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		metrics.RecordCacheMiss(c.name)
		return nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		metrics.RecordCacheMiss(c.name)
		return nil, false
	}

	var decoded any
	if err := json.Unmarshal(val, &decoded); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis value decode failed")
		metrics.RecordCacheMiss(c.name)
		return nil, false
	}
	metrics.RecordCacheHit(c.name)
	return decoded, true
}

func (c *redisCache) Set(key string, value any, ttl time.Duration) {
	encoded, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis value encode failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, c.key(key), encoded, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}

func (c *redisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

func (c *redisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", iter.Val()).Msg("redis clear delete failed")
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis clear scan failed")
	}
}
