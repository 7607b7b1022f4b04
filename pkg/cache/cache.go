// Package cache holds short-lived values such as market quotes, in memory or
// in redis when one is configured.
package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is a best-effort byte cache. Misses and backend errors look the same.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Name() string
}

const redisTimeout = 500 * time.Millisecond

type redisCache struct {
	r      *redis.Client
	prefix string
}

// NewRedis wraps a redis client. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) Cache {
	return &redisCache{r: client, prefix: prefix}
}

// NewAuto returns a redis cache when addr is set and reachable, the
// in-memory sharded cache otherwise.
func NewAuto(ctx context.Context, addr, password string, db int) Cache {
	if addr == "" {
		return NewSharded()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unavailable, using in-memory cache")
		_ = client.Close()
		return NewSharded()
	}
	log.Info().Str("addr", addr).Msg("quote cache backed by redis")
	return NewRedis(client, "bridge-core:")
}

func (c *redisCache) Name() string { return "redis" }

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	v, err := c.r.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("redis get failed")
		}
		return nil, false
	}
	return v, true
}

func (c *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := c.r.Set(ctx, c.prefix+key, val, ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("redis set failed")
	}
}

func (c *redisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	_ = c.r.Del(ctx, c.prefix+key).Err()
}
