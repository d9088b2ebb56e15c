package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	EntryTypeDeduct     = "DEDUCT"      // 按次扣减
	EntryTypeTopUp      = "TOPUP"       // 链上购买入账
	EntryTypeGrant      = "GRANT"       // 运营手动发放
	EntryTypeReset      = "RESET"       // free 套餐周期重置
	EntryTypeDowngrade  = "DOWNGRADE"   // pro 自动降级
	EntryTypePlanChange = "PLAN_CHANGE" // 运营变更套餐
)

// LedgerEntry 额度流水
//
// 【重要】流水表约定：
// 1. 只追加，不修改不删除，账户的 credits_used 必须能由流水重放得到
// 2. 购买入账的 reference 为交易哈希，同一哈希只允许一条 TOPUP
// 3. 记录变动前后的用量与套餐，自动降级与周期重置也留痕
type LedgerEntry struct {
	ID         int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo    string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`
	UserID     string            `gorm:"type:varchar(128);index;not null" json:"user_id"`
	Type       string            `gorm:"type:varchar(20);not null" json:"type"`
	Amount     decimal.Decimal   `gorm:"type:numeric(12,1);not null" json:"amount"`
	UsedBefore decimal.Decimal   `gorm:"type:numeric(12,1);not null" json:"used_before"`
	UsedAfter  decimal.Decimal   `gorm:"type:numeric(12,1);not null" json:"used_after"`
	PlanBefore string            `gorm:"type:varchar(16);not null" json:"plan_before"`
	PlanAfter  string            `gorm:"type:varchar(16);not null" json:"plan_after"`
	Reference  string            `gorm:"type:varchar(128);index" json:"reference,omitempty"` // 关联的交易哈希或业务标识
	Meta       datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt  time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
