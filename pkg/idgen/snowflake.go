// Package idgen 雪花 ID 与业务单号。
//
// ============================================================================
// 【为什么流水号和购买单号不用自增主键？】
//
// 流水号 CRD... 与购买单号 BUY... 会出现在：
//   1. Kafka 账本事件里 - 下游按单号去重
//   2. 管理接口与对账报表里 - 运营按单号检索
//   3. 多个 server 实例同时写入 - 不能依赖单库自增
//
// 自增 ID 暴露业务量且跨实例会撞号，所以在写库之前由进程本地生成。
//
// 【结构】64 位
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//   |   |            |            |
//   |   |            |            +-- 同一毫秒内的序列号（0-4095）
//   |   |            +-- server.worker_id（0-1023），每个实例必须不同
//   |   +-- 相对 2025-01-01 的毫秒数
//   +-- 符号位，始终为0
//
// ============================================================================
package idgen

import (
	"fmt"
	"sync"
	"time"
)

const (
	epoch          = int64(1735689600000) // 2025-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// 业务单号前缀
const (
	PrefixEntry    = "CRD" // 额度流水
	PrefixPurchase = "BUY" // 链上购买
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

var (
	mu               sync.RWMutex
	defaultGenerator = &Snowflake{workerID: 1}
)

// Init 设置进程默认机器 ID，启动时调用一次
func Init(workerID int64) error {
	g, err := NewSnowflake(workerID)
	if err != nil {
		return err
	}
	mu.Lock()
	defaultGenerator = g
	mu.Unlock()
	return nil
}

func NextID() int64 {
	mu.RLock()
	g := defaultGenerator
	mu.RUnlock()
	return g.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	// 时钟回拨时沿用上次时间戳，保证单调
	if now < s.timestamp {
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// generateNo 前缀 + 日期 + 完整雪花 ID
func generateNo(prefix string) string {
	id := NextID()
	return fmt.Sprintf("%s%s%d", prefix, time.Now().UTC().Format("060102"), id)
}

// GenerateEntryNo 额度流水号，例如 CRD260301402338772305920000
func GenerateEntryNo() string {
	return generateNo(PrefixEntry)
}

// GeneratePurchaseNo 购买单号
func GeneratePurchaseNo() string {
	return generateNo(PrefixPurchase)
}
