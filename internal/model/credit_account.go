package model

import (
	"time"

	"creditgate/internal/ledger"

	"github.com/shopspring/decimal"
)

// CreditAccount 用户额度账户，每个用户一行
// CreditsUsed 表示当前周期已用额度，充值通过减少 CreditsUsed 实现
type CreditAccount struct {
	UserID      string          `gorm:"type:varchar(128);primaryKey" json:"user_id"`
	CreditsUsed decimal.Decimal `gorm:"type:numeric(12,1);not null;default:0" json:"credits_used"`
	Plan        string          `gorm:"type:varchar(16);not null;default:free;check:chk_credit_accounts_plan,plan IN ('free','pro','enterprise')" json:"plan"`
	ResetDate   time.Time       `gorm:"not null" json:"reset_date"`
	Version     int             `gorm:"not null;default:0" json:"-"` // 乐观锁版本号
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// State 转换为账本计算用的快照
func (a *CreditAccount) State() ledger.State {
	return ledger.State{
		Plan:        ledger.Plan(a.Plan),
		CreditsUsed: ledger.Round1(a.CreditsUsed),
		ResetDate:   a.ResetDate,
	}
}

// Apply 将计算结果写回账户
func (a *CreditAccount) Apply(s ledger.State) {
	a.Plan = string(s.Plan)
	a.CreditsUsed = ledger.Round1(s.CreditsUsed)
	a.ResetDate = s.ResetDate
}
