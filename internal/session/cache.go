package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jellydator/ttlcache/v3"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Cache is the hot tier of the session store. Entries expire after a sliding inactivity TTL.
type Cache interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, bool, error)
	Set(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// MemoryCache keeps sessions in process. Every hit extends the entry's TTL.
type MemoryCache struct {
	items *ttlcache.Cache[string, *domain.Session]
}

// NewMemoryCache creates an in-process cache and starts its expiry loop.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	items := ttlcache.New[string, *domain.Session](
		ttlcache.WithTTL[string, *domain.Session](ttl),
	)
	go items.Start()
	return &MemoryCache{items: items}
}

func (c *MemoryCache) Get(_ context.Context, sessionID string) (*domain.Session, bool, error) {
	item := c.items.Get(sessionID)
	if item == nil {
		return nil, false, nil
	}
	return item.Value().Clone(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, session *domain.Session) error {
	c.items.Set(session.ID, session.Clone(), ttlcache.DefaultTTL)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, sessionID string) error {
	c.items.Delete(sessionID)
	return nil
}

// Len returns the number of cached sessions.
func (c *MemoryCache) Len() int {
	return c.items.Len()
}

func (c *MemoryCache) Close() error {
	c.items.Stop()
	return nil
}

const redisKeyPrefix = "csagent:session:"

// RedisCache shares the hot tier between engine replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server at url (redis://host:port/db).
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, sessionID string) (*domain.Session, bool, error) {
	key := redisKeyPrefix + sessionID
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode cached session: %w", err)
	}
	if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
		return nil, false, fmt.Errorf("redis expire: %w", err)
	}
	return &s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisKeyPrefix+session.ID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
