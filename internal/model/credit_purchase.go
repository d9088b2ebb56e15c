package model

import (
	"time"
)

// 购买状态：PENDING -> CONFIRMED -> CREDITED，支付校验不通过时进入 REJECTED
//
// CONFIRMED 仅在开启付款校验且校验通过后写入，之后的轮询直接入账，不再重新报价；
// 未开启校验时 PENDING 直接进入 CREDITED。
const (
	PurchaseStatusPending   = "PENDING"
	PurchaseStatusConfirmed = "CONFIRMED"
	PurchaseStatusCredited  = "CREDITED"
	PurchaseStatusRejected  = "REJECTED"
)

var ValidStatusTransitions = map[string][]string{
	PurchaseStatusPending:   {PurchaseStatusConfirmed, PurchaseStatusCredited, PurchaseStatusRejected},
	PurchaseStatusConfirmed: {PurchaseStatusCredited, PurchaseStatusRejected},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminal 终态不再轮询
func IsTerminal(status string) bool {
	return status == PurchaseStatusCredited || status == PurchaseStatusRejected
}

// CreditPurchase 链上购买记录，tx_hash 唯一，保证同一笔交易只入账一次
type CreditPurchase struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PurchaseNo    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"purchase_no"`
	TxHash        string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"tx_hash"`
	UserID        string     `gorm:"type:varchar(128);index;not null" json:"user_id"`
	Bundle        int64      `gorm:"not null" json:"bundle"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Confirmations int64      `gorm:"not null;default:0" json:"confirmations"`
	PollCount     int        `gorm:"not null;default:0" json:"poll_count"`
	LastError     string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreditedAt    *time.Time `json:"credited_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditPurchase) TableName() string {
	return "credit_purchases"
}
