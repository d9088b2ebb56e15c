package lock

import (
	"context"
	"sync"
	"time"

	"creditgate/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Locker 按 key 互斥，返回释放函数
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (release func(), err error)
}

// RedisLocker 基于 DistributedLock，多实例部署使用
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client, expiration time.Duration) *RedisLocker {
	return &RedisLocker{
		client:        client,
		expiration:    expiration,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    50,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string) (func(), error) {
	dl := NewDistributedLock(l.client, key, owner, l.expiration)
	if err := dl.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 请求上下文可能已取消，释放锁使用独立的超时
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 释放失败时锁会在过期后自动消失
		if err := dl.Unlock(ctx); err != nil {
			logger.L().Warn("[Lock] 释放分布式锁失败", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// LocalLocker 进程内按 key 互斥，Redis 未启用时使用
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key, _ string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
