package repository

import (
	"context"
	"errors"
	"time"

	"creditgate/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDForUpdate 行锁读取，必须在事务内调用
func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := forUpdate(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 获取或创建账户
// 通过 user_id 主键冲突忽略实现并发安全的首次创建，不存在先查后插的竞态
func (r *AccountRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, initial *model.CreditAccount) (*model.CreditAccount, error) {
	db := r.conn(tx)
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(initial).Error
	if err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, db, initial.UserID)
}

// Save 按版本号条件更新额度字段，成功后版本号加一
func (r *AccountRepository) Save(ctx context.Context, tx *gorm.DB, account *model.CreditAccount) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND version = ?", account.UserID, account.Version).
		Updates(map[string]interface{}{
			"credits_used": account.CreditsUsed,
			"plan":         account.Plan,
			"reset_date":   account.ResetDate,
			"version":      gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, account.UserID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	account.Version++
	return nil
}

// ListResetDue 查询已到重置日期的 free 账户
func (r *AccountRepository) ListResetDue(ctx context.Context, now time.Time, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("plan = ? AND reset_date <= ?", "free", now).
		Order("reset_date ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// UsageStats 全局用量统计
type UsageStats struct {
	TotalUsers       int64
	TotalCreditsUsed decimal.Decimal
	PlanDistribution map[string]int64
}

func (r *AccountRepository) Stats(ctx context.Context) (*UsageStats, error) {
	stats := &UsageStats{PlanDistribution: map[string]int64{}}

	var rows []struct {
		Plan  string
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Select("plan, COUNT(*) AS count").
		Group("plan").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.PlanDistribution[row.Plan] = row.Count
		stats.TotalUsers += row.Count
	}

	var sum decimal.Decimal
	err = r.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Select("COALESCE(SUM(credits_used), 0)").
		Row().Scan(&sum)
	if err != nil {
		return nil, err
	}
	stats.TotalCreditsUsed = sum.Round(1)
	return stats, nil
}

// forUpdate SQLite 不支持行锁，单连接下事务本身已串行
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
