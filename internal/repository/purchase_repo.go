package repository

import (
	"context"
	"errors"
	"time"

	"creditgate/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPurchaseNotFound      = errors.New("购买记录不存在")
	ErrPurchaseStatusInvalid = errors.New("购买状态不合法")
)

type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// Claim 登记交易哈希，已存在时保留原记录，返回加锁后的记录
func (r *PurchaseRepository) Claim(ctx context.Context, tx *gorm.DB, purchase *model.CreditPurchase) (*model.CreditPurchase, error) {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}},
			DoNothing: true,
		}).
		Create(purchase).Error
	if err != nil {
		return nil, err
	}
	return r.GetByTxHashForUpdate(ctx, tx, purchase.TxHash)
}

func (r *PurchaseRepository) GetByTxHash(ctx context.Context, txHash string) (*model.CreditPurchase, error) {
	var purchase model.CreditPurchase
	err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *PurchaseRepository) GetByTxHashForUpdate(ctx context.Context, tx *gorm.DB, txHash string) (*model.CreditPurchase, error) {
	var purchase model.CreditPurchase
	err := forUpdate(tx).WithContext(ctx).Where("tx_hash = ?", txHash).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}

// UpdateStatus 状态机校验 + 条件更新
func (r *PurchaseRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, txHash string, fromStatus, toStatus string, confirmations int64) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrPurchaseStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":        toStatus,
		"confirmations": confirmations,
		"last_error":    "",
	}

	if toStatus == model.PurchaseStatusCredited {
		now := time.Now()
		updates["credited_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditPurchase{}).
		Where("tx_hash = ? AND status = ?", txHash, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPurchaseStatusInvalid
	}

	return nil
}

// RecordPoll 记录一次轮询结果，不改变状态
func (r *PurchaseRepository) RecordPoll(ctx context.Context, tx *gorm.DB, txHash string, confirmations int64, lastError string) error {
	if tx == nil {
		tx = r.db
	}
	if len(lastError) > 512 {
		lastError = lastError[:512]
	}
	return tx.WithContext(ctx).
		Model(&model.CreditPurchase{}).
		Where("tx_hash = ?", txHash).
		Updates(map[string]interface{}{
			"confirmations": confirmations,
			"poll_count":    gorm.Expr("poll_count + 1"),
			"last_error":    lastError,
		}).Error
}

// ListUnsettled 查询创建早于 before 且未到终态的购买
func (r *PurchaseRepository) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]*model.CreditPurchase, error) {
	var purchases []*model.CreditPurchase
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{model.PurchaseStatusPending, model.PurchaseStatusConfirmed}, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

func (r *PurchaseRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditPurchase, int64, error) {
	var purchases []*model.CreditPurchase
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditPurchase{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&purchases).Error

	return purchases, total, err
}
