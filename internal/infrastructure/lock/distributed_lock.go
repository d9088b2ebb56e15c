package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 【为什么确认接口要按交易哈希加锁？】
//
// 前端每隔几秒轮询 tx-confirmations，对账任务也会重新轮询同一笔交易：
//
// 不加锁：
//   请求1: 查询购买=PENDING -> 链上确认=1 -> 入账100
//   请求2: 查询购买=PENDING -> 链上确认=1 -> 再次入账100
//
// 加锁后：
//   请求1: 获取锁 -> PENDING -> 入账 -> 标记 CREDITED -> 释放锁
//   请求2: 等待锁 -> 读到 CREDITED -> 直接返回，不再入账
//
// 锁只是第一道防线，数据库里 tx_hash 唯一索引加 CREDITED 状态判断兜底，
// 锁过期或 Redis 不可用时也不会重复入账。
//
// 【Redis 实现】
//
// 加锁：SET key value NX PX ttl，value 标识持有者
// 释放：Lua 脚本比较 value 后删除，持有者超时后不会误删他人的锁
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock Redis 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// PurchaseLockKey 同一交易哈希的确认请求串行执行
func PurchaseLockKey(txHash string) string {
	return fmt.Sprintf("purchase:lock:tx:%s", txHash)
}
