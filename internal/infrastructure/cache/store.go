package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

// Store 带过期时间的键值存储，用于限流窗口与价格缓存
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX 仅在 key 不存在时写入
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TTL key 剩余存活时间，不存在时返回 0
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore 多实例共享
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// MemoryStore 单实例部署或 Redis 未启用时使用
type MemoryStore struct {
	c *gocache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return "", false, nil
	}
	str, _ := v.(string)
	return str, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.c.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.c.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, exp, ok := s.c.GetWithExpiration(key)
	if !ok || exp.IsZero() {
		return 0, nil
	}
	d := time.Until(exp)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
