package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 账本事件类型
const (
	EventCreditsDeducted = "credits.deducted"
	EventCreditsToppedUp = "credits.topped_up"
	EventPlanChanged     = "plan.changed"
	EventPurchaseSettled = "purchase.settled"
)

// OutboxMessage 本地消息表，与账本变更同事务写入，由 OutboxSender 异步投递
//
// 【为什么不在事务提交后直接发 Kafka？】
//
//	提交后发送：事务成功 -> 进程崩溃 -> 消息丢失，下游永远不知道这次入账
//	发送后提交：消息已发出 -> 事务回滚 -> 下游看到一笔不存在的入账
//
// 消息与额度变更写在同一个事务里，要么都在要么都不在；
// 投递失败按 retry_count 重试，超过 business.max_retry_count 标记 FAILED，
// 因此下游需要按 message_key 幂等消费。
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(128);not null" json:"message_key"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
