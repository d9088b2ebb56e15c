package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/chain"
	"creditgate/internal/infrastructure/lock"
	"creditgate/internal/infrastructure/oracle"
	"creditgate/internal/metrics"
	"creditgate/internal/model"
	"creditgate/internal/repository"
	"creditgate/pkg/idgen"
	"creditgate/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidTxHash         = errors.New("invalid transaction hash")
	ErrPurchaseOwnerMismatch = errors.New("transaction already claimed by another user")
	ErrPaymentRejected       = errors.New("transaction does not pay the treasury")
)

// ConfirmResult 单次轮询结果
type ConfirmResult struct {
	TxHash        string `json:"txHash"`
	Confirmations int64  `json:"confirmations"`
	Credited      bool   `json:"credited"`
	Status        string `json:"status"`
}

// PurchaseSettledEvent 购买入账事件
type PurchaseSettledEvent struct {
	PurchaseNo    string    `json:"purchase_no"`
	TxHash        string    `json:"tx_hash"`
	UserID        string    `json:"user_id"`
	Bundle        int64     `json:"bundle"`
	Confirmations int64     `json:"confirmations"`
	SettledAt     time.Time `json:"settled_at"`
}

type ConfirmationService struct {
	db           *gorm.DB
	cfg          *config.Config
	provider     chain.Provider
	prices       oracle.PriceSource
	locker       lock.Locker
	credits      *CreditService
	purchaseRepo *repository.PurchaseRepository
	outboxRepo   *repository.OutboxRepository
	metrics      *metrics.CreditMetrics
	now          func() time.Time
}

func NewConfirmationService(db *gorm.DB, cfg *config.Config, provider chain.Provider, prices oracle.PriceSource, locker lock.Locker, credits *CreditService) *ConfirmationService {
	return &ConfirmationService{
		db:           db,
		cfg:          cfg,
		provider:     provider,
		prices:       prices,
		locker:       locker,
		credits:      credits,
		purchaseRepo: repository.NewPurchaseRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		metrics:      metrics.GetMetrics(),
		now:          time.Now,
	}
}

// ValidTxHash 十六进制，最长 32 字节
func ValidTxHash(txHash string) bool {
	if txHash == "" || len(txHash) > 64 {
		return false
	}
	_, err := hex.DecodeString(txHash)
	return err == nil
}

// Confirm 查询交易确认数，首次达到 1 个确认时为用户入账一次
//
// 尚未上链返回 chain.ErrTxNotFound；哈希已被其他用户登记返回 ErrPurchaseOwnerMismatch；
// 链接口异常原样返回，购买记录不会因此进入失败状态。
func (s *ConfirmationService) Confirm(ctx context.Context, txHash, userID string) (*ConfirmResult, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !ValidTxHash(txHash) {
		return nil, ErrInvalidTxHash
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	release, err := s.locker.Acquire(ctx, lock.PurchaseLockKey(txHash), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	existing, err := s.purchaseRepo.GetByTxHash(ctx, txHash)
	if err != nil && !errors.Is(err, repository.ErrPurchaseNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != userID {
			s.metrics.ConfirmPollTotal.WithLabelValues("conflict").Inc()
			return nil, ErrPurchaseOwnerMismatch
		}
		switch existing.Status {
		case model.PurchaseStatusCredited:
			res := resultOf(existing)
			if status, err := s.provider.TxStatus(ctx, txHash); err == nil {
				res.Confirmations = status.Confirmations
			}
			return res, nil
		case model.PurchaseStatusRejected:
			return nil, ErrPaymentRejected
		}
	}

	status, err := s.provider.TxStatus(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			if _, claimErr := s.claim(ctx, txHash, userID); claimErr != nil {
				return nil, claimErr
			}
			s.recordPoll(ctx, txHash, 0, "")
			s.metrics.ConfirmPollTotal.WithLabelValues("pending").Inc()
			return nil, err
		}
		if existing != nil {
			s.recordPoll(ctx, txHash, existing.Confirmations, err.Error())
		}
		s.metrics.ConfirmPollTotal.WithLabelValues("error").Inc()
		logger.L().Error("[ConfirmationService] 查询交易状态失败",
			zap.String("tx_hash", txHash),
			zap.String("provider", s.provider.Name()),
			zap.Error(err))
		return nil, fmt.Errorf("查询交易状态失败: %w", err)
	}

	if status.Confirmations < 1 {
		p, err := s.claim(ctx, txHash, userID)
		if err != nil {
			return nil, err
		}
		s.recordPoll(ctx, txHash, status.Confirmations, "")
		s.metrics.ConfirmPollTotal.WithLabelValues("pending").Inc()
		return &ConfirmResult{TxHash: txHash, Confirmations: status.Confirmations, Status: p.Status}, nil
	}

	// CONFIRMED 表示付款已校验通过，后续轮询不再重新报价
	verified := existing != nil && existing.Status == model.PurchaseStatusConfirmed
	if s.cfg.Purchase.VerifyPayment && !verified {
		paid, err := s.paysTreasury(ctx, txHash)
		if err != nil {
			s.metrics.ConfirmPollTotal.WithLabelValues("error").Inc()
			s.recordPoll(ctx, txHash, status.Confirmations, err.Error())
			return nil, fmt.Errorf("校验交易付款失败: %w", err)
		}
		if !paid {
			if err := s.reject(ctx, txHash, userID, status.Confirmations); err != nil {
				return nil, err
			}
			s.metrics.ConfirmPollTotal.WithLabelValues("rejected").Inc()
			return nil, ErrPaymentRejected
		}
		if err := s.markConfirmed(ctx, txHash, userID, status.Confirmations); err != nil {
			return nil, err
		}
	}

	return s.settle(ctx, txHash, userID, status.Confirmations)
}

// recordPoll 轮询记录写入失败不影响本次结果
func (s *ConfirmationService) recordPoll(ctx context.Context, txHash string, confirmations int64, lastError string) {
	if err := s.purchaseRepo.RecordPoll(ctx, nil, txHash, confirmations, lastError); err != nil {
		logger.L().Warn("[ConfirmationService] 记录轮询结果失败", zap.String("tx_hash", txHash), zap.Error(err))
	}
}

// markConfirmed 付款校验通过后将 PENDING 推进为 CONFIRMED
func (s *ConfirmationService) markConfirmed(ctx context.Context, txHash, userID string, confirmations int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.purchaseRepo.Claim(ctx, tx, s.newPurchase(txHash, userID))
		if err != nil {
			return fmt.Errorf("登记购买失败: %w", err)
		}
		if p.UserID != userID {
			return ErrPurchaseOwnerMismatch
		}
		if p.Status != model.PurchaseStatusPending {
			return nil
		}
		return s.purchaseRepo.UpdateStatus(ctx, tx, txHash, p.Status, model.PurchaseStatusConfirmed, confirmations)
	})
}

// settle 同一事务内：锁定购买记录、充值、标记 CREDITED、写入事件
func (s *ConfirmationService) settle(ctx context.Context, txHash, userID string, confirmations int64) (*ConfirmResult, error) {
	var result *ConfirmResult
	credited := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.purchaseRepo.Claim(ctx, tx, s.newPurchase(txHash, userID))
		if err != nil {
			return fmt.Errorf("登记购买失败: %w", err)
		}
		if p.UserID != userID {
			return ErrPurchaseOwnerMismatch
		}
		if p.Status == model.PurchaseStatusCredited {
			result = resultOf(p)
			return nil
		}
		if model.IsTerminal(p.Status) {
			return ErrPaymentRejected
		}

		if _, err := s.credits.AddCreditsTx(ctx, tx, userID, decimal.NewFromInt(p.Bundle), model.EntryTypeTopUp, txHash); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}
		if err := s.purchaseRepo.UpdateStatus(ctx, tx, txHash, p.Status, model.PurchaseStatusCredited, confirmations); err != nil {
			return fmt.Errorf("更新购买状态失败: %w", err)
		}

		event := PurchaseSettledEvent{
			PurchaseNo:    p.PurchaseNo,
			TxHash:        txHash,
			UserID:        userID,
			Bundle:        p.Bundle,
			Confirmations: confirmations,
			SettledAt:     s.now().UTC(),
		}
		if err := s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.LedgerEvent, model.EventPurchaseSettled, txHash, event); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		credited = true
		result = &ConfirmResult{TxHash: txHash, Confirmations: confirmations, Credited: true, Status: model.PurchaseStatusCredited}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPurchaseOwnerMismatch) {
			s.metrics.ConfirmPollTotal.WithLabelValues("conflict").Inc()
		} else {
			s.metrics.ConfirmPollTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if credited {
		s.metrics.ConfirmPollTotal.WithLabelValues("credited").Inc()
		logger.L().Info("[ConfirmationService] 购买已入账",
			zap.String("tx_hash", txHash),
			zap.String("user_id", userID),
			zap.Int64("confirmations", confirmations))
	} else {
		s.metrics.ConfirmPollTotal.WithLabelValues("confirmed").Inc()
	}
	return result, nil
}

func (s *ConfirmationService) claim(ctx context.Context, txHash, userID string) (*model.CreditPurchase, error) {
	var p *model.CreditPurchase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		p, err = s.purchaseRepo.Claim(ctx, tx, s.newPurchase(txHash, userID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("登记购买失败: %w", err)
	}
	if p.UserID != userID {
		return nil, ErrPurchaseOwnerMismatch
	}
	return p, nil
}

func (s *ConfirmationService) reject(ctx context.Context, txHash, userID string, confirmations int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.purchaseRepo.Claim(ctx, tx, s.newPurchase(txHash, userID))
		if err != nil {
			return err
		}
		if p.UserID != userID {
			return ErrPurchaseOwnerMismatch
		}
		if model.IsTerminal(p.Status) {
			return nil
		}
		logger.L().Warn("[ConfirmationService] 交易未向金库付款，拒绝入账", zap.String("tx_hash", txHash))
		return s.purchaseRepo.UpdateStatus(ctx, tx, txHash, p.Status, model.PurchaseStatusRejected, confirmations)
	})
}

// paysTreasury 交易向金库支付了足额 ADA，或支付了足额的任一可用代币
//
// 代币按当前报价重新计算应付数量，允许 price_tolerance_pct 的价格波动。
// 报价不可用时返回错误，购买保持原状态等待下次轮询，不会因此被拒绝。
func (s *ConfirmationService) paysTreasury(ctx context.Context, txHash string) (bool, error) {
	outputs, err := s.provider.TxOutputs(ctx, txHash)
	if err != nil {
		return false, fmt.Errorf("查询交易输出失败: %w", err)
	}
	var lovelace uint64
	tokens := make(map[string]uint64)
	for _, o := range outputs {
		if o.Address != s.cfg.Purchase.TreasuryAddress {
			continue
		}
		lovelace += o.Lovelace
		for _, a := range o.Assets {
			tokens[a.Unit()] += a.Quantity
		}
	}
	if lovelace >= uint64(s.cfg.Purchase.PriceLovelace) {
		return true, nil
	}

	for _, t := range s.cfg.Purchase.Tokens {
		paid := tokens[t.PolicyID+t.AssetName]
		if paid == 0 {
			continue
		}
		if s.prices == nil {
			return false, fmt.Errorf("%w: no price source", oracle.ErrPriceUnavailable)
		}
		price, err := s.prices.PriceInADA(ctx, t.CoinGeckoID)
		if err != nil {
			return false, err
		}
		needed, err := TokensNeeded(s.cfg.Purchase.PriceLovelace, t.Decimals, price)
		if err != nil {
			return false, err
		}
		if paid >= minAccepted(needed, s.cfg.Purchase.PriceTolerancePct) {
			return true, nil
		}
		logger.L().Warn("[ConfirmationService] 代币付款不足",
			zap.String("tx_hash", txHash),
			zap.String("token", t.Symbol),
			zap.Uint64("paid", paid),
			zap.Uint64("needed", needed))
	}
	return false, nil
}

// minAccepted needed * (100 - tolerancePct) / 100，向上取整
func minAccepted(needed uint64, tolerancePct float64) uint64 {
	if tolerancePct <= 0 {
		return needed
	}
	if tolerancePct >= 100 {
		tolerancePct = 99
	}
	factor := decimal.NewFromInt(100).Sub(decimal.NewFromFloat(tolerancePct)).Div(decimal.NewFromInt(100))
	return uint64(decimal.NewFromInt(int64(needed)).Mul(factor).Ceil().IntPart())
}

func (s *ConfirmationService) newPurchase(txHash, userID string) *model.CreditPurchase {
	return &model.CreditPurchase{
		PurchaseNo: idgen.GeneratePurchaseNo(),
		TxHash:     txHash,
		UserID:     userID,
		Bundle:     int64(s.cfg.Credits.Bundle),
		Status:     model.PurchaseStatusPending,
	}
}

func resultOf(p *model.CreditPurchase) *ConfirmResult {
	return &ConfirmResult{
		TxHash:        p.TxHash,
		Confirmations: p.Confirmations,
		Credited:      p.Status == model.PurchaseStatusCredited,
		Status:        p.Status,
	}
}

// ListPurchases 用户购买记录，按创建时间倒序
func (s *ConfirmationService) ListPurchases(ctx context.Context, userID string, page, pageSize int) ([]*model.CreditPurchase, int64, error) {
	return s.purchaseRepo.ListByUserID(ctx, userID, page, pageSize)
}

// GetPurchase 查询单笔购买；未登记返回 repository.ErrPurchaseNotFound，属于其他用户返回 ErrPurchaseOwnerMismatch
func (s *ConfirmationService) GetPurchase(ctx context.Context, userID, txHash string) (*model.CreditPurchase, error) {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !ValidTxHash(txHash) {
		return nil, ErrInvalidTxHash
	}
	p, err := s.purchaseRepo.GetByTxHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPurchaseOwnerMismatch
	}
	return p, nil
}

// ReconcileUnsettled 重新轮询创建超过 minAge 仍未终结的购买，返回本次入账数量
func (s *ConfirmationService) ReconcileUnsettled(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	purchases, err := s.purchaseRepo.ListUnsettled(ctx, s.now().Add(-minAge), limit)
	if err != nil {
		return 0, fmt.Errorf("查询未完成购买失败: %w", err)
	}
	settled := 0
	for _, p := range purchases {
		res, err := s.Confirm(ctx, p.TxHash, p.UserID)
		switch {
		case err == nil:
			if res.Credited {
				settled++
			}
		case errors.Is(err, chain.ErrTxNotFound):
		default:
			logger.L().Warn("[ConfirmationService] 对账轮询失败", zap.String("tx_hash", p.TxHash), zap.Error(err))
		}
	}
	return settled, nil
}
