package repository

import (
	"context"
	"errors"

	"creditgate/internal/model"

	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *LedgerRepository) GetByEntryNo(ctx context.Context, entryNo string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("entry_no = ?", entryNo).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListByReference 按关联标识查询（如交易哈希）
func (r *LedgerRepository) ListByReference(ctx context.Context, reference string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}
