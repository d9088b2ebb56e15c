package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditgate/internal/ledger"
	"creditgate/internal/metrics"
	"creditgate/internal/model"
	"creditgate/internal/repository"
	"creditgate/pkg/idgen"
	"creditgate/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 乐观锁冲突时的最大重试次数
const maxOptimisticRetries = 3

// InsufficientCreditsError 额度不足，Error() 即展示给用户的提示
type InsufficientCreditsError struct {
	Remaining decimal.Decimal
	Plan      ledger.Plan
}

func (e *InsufficientCreditsError) Error() string {
	return ledger.InsufficientMessage(e.Remaining, e.Plan)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ledger.ErrInsufficientCredits
}

// LedgerEvent 写入 outbox 的账本事件
type LedgerEvent struct {
	EntryNo    string    `json:"entry_no"`
	UserID     string    `json:"user_id"`
	Type       string    `json:"type"`
	Amount     string    `json:"amount"`
	UsedBefore string    `json:"used_before"`
	UsedAfter  string    `json:"used_after"`
	PlanBefore string    `json:"plan_before"`
	PlanAfter  string    `json:"plan_after"`
	Reference  string    `json:"reference,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type CreditService struct {
	db          *gorm.DB
	policy      *ledger.Policy
	topic       string
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	outboxRepo  *repository.OutboxRepository
	metrics     *metrics.CreditMetrics
	now         func() time.Time
}

func NewCreditService(db *gorm.DB, policy *ledger.Policy, topic string) *CreditService {
	return &CreditService{
		db:          db,
		policy:      policy,
		topic:       topic,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		metrics:     metrics.GetMetrics(),
		now:         time.Now,
	}
}

func (s *CreditService) Policy() *ledger.Policy {
	return s.policy
}

// CheckResult 额度检查结果，不修改用量
type CheckResult struct {
	CanUse    bool
	Remaining decimal.Decimal
	Plan      ledger.Plan
}

// CheckLimit 读取（必要时创建）账户并执行到期重置，判断剩余额度是否足够
func (s *CreditService) CheckLimit(ctx context.Context, userID string, cost decimal.Decimal) (*CheckResult, error) {
	acc, err := s.loadAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	state := acc.State()
	remaining := s.policy.Remaining(state)
	res := &CheckResult{
		CanUse:    remaining.GreaterThanOrEqual(ledger.Round1(cost)),
		Remaining: remaining,
		Plan:      state.Plan,
	}
	result := "allowed"
	if !res.CanUse {
		result = "denied"
	}
	s.metrics.CreditCheckTotal.WithLabelValues(result).Inc()
	return res, nil
}

// DeductResult 扣减结果
type DeductResult struct {
	UsedBefore decimal.Decimal
	UsedAfter  decimal.Decimal
	Remaining  decimal.Decimal
	Plan       ledger.Plan
	Downgraded bool
}

// Deduct 在单个事务内锁定账户行、执行到期重置、复核余额并扣减
//
// 余额不足返回 *InsufficientCreditsError，不会透支。
// 乐观锁冲突最多重试 maxOptimisticRetries 次，其余错误直接返回。
func (s *CreditService) Deduct(ctx context.Context, userID string, cost decimal.Decimal, operation, reference string) (*DeductResult, error) {
	start := s.now()
	var out *DeductResult

	err := s.inTx(ctx, func(tx *gorm.DB) error {
		out = nil
		acc, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := s.resetIfDue(ctx, tx, acc); err != nil {
			return err
		}

		before := acc.State()
		res, err := s.policy.ApplyDeduct(before, cost, s.now())
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return &InsufficientCreditsError{Remaining: s.policy.Remaining(before), Plan: before.Plan}
			}
			return err
		}

		acc.Apply(res.After)
		if err := s.accountRepo.Save(ctx, tx, acc); err != nil {
			return err
		}

		charged := before
		charged.CreditsUsed = ledger.Round1(before.CreditsUsed.Add(cost))
		meta := map[string]interface{}{"operation": operation}
		if err := s.record(ctx, tx, userID, model.EntryTypeDeduct, ledger.Round1(cost), before, charged, reference, meta); err != nil {
			return err
		}
		if res.Downgraded {
			if err := s.record(ctx, tx, userID, model.EntryTypeDowngrade, charged.CreditsUsed, charged, res.After, reference, nil); err != nil {
				return err
			}
		}

		out = &DeductResult{
			UsedBefore: before.CreditsUsed,
			UsedAfter:  res.After.CreditsUsed,
			Remaining:  s.policy.Remaining(res.After),
			Plan:       res.After.Plan,
			Downgraded: res.Downgraded,
		}
		return nil
	})

	s.metrics.DeductDuration.WithLabelValues(operation).Observe(s.now().Sub(start).Seconds())
	if err != nil {
		result := "error"
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			result = "insufficient"
		}
		s.metrics.DeductTotal.WithLabelValues(operation, result).Inc()
		return nil, err
	}

	s.metrics.DeductTotal.WithLabelValues(operation, "success").Inc()
	s.metrics.DeductAmount.WithLabelValues(operation).Add(ledger.Round1(cost).InexactFloat64())
	if out.Downgraded {
		s.metrics.DowngradeTotal.Inc()
		logger.L().Info("[CreditService] pro 套餐额度低于下限，已降级为 free", zap.String("user_id", userID))
	}
	return out, nil
}

// AddCredits 充值入账：used = max(0, used - amount)，套餐置为 pro
// entryType 为 TOPUP（链上购买）或 GRANT（运营发放）
func (s *CreditService) AddCredits(ctx context.Context, userID string, amount decimal.Decimal, entryType, reference string) (*ledger.Usage, error) {
	var usage *ledger.Usage
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		usage, err = s.AddCreditsTx(ctx, tx, userID, amount, entryType, reference)
		return err
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// AddCreditsTx 在调用方事务内充值，调用方负责提交
func (s *CreditService) AddCreditsTx(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal, entryType, reference string) (*ledger.Usage, error) {
	acc, err := s.lockAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	before := acc.State()
	after, err := s.policy.ApplyTopUp(before, amount)
	if err != nil {
		return nil, err
	}
	acc.Apply(after)
	if err := s.accountRepo.Save(ctx, tx, acc); err != nil {
		return nil, err
	}
	if err := s.record(ctx, tx, userID, entryType, ledger.Round1(amount), before, after, reference, nil); err != nil {
		return nil, err
	}

	source := "purchase"
	if entryType == model.EntryTypeGrant {
		source = "admin"
	}
	s.metrics.TopUpTotal.WithLabelValues(source).Inc()
	s.metrics.TopUpAmount.WithLabelValues(source).Add(ledger.Round1(amount).InexactFloat64())

	usage := s.policy.Usage(after)
	return &usage, nil
}

// Usage 额度使用情况
func (s *CreditService) Usage(ctx context.Context, userID string) (*ledger.Usage, error) {
	acc, err := s.loadAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage := s.policy.Usage(acc.State())
	return &usage, nil
}

// ChangePlan 运营变更套餐，按原套餐使用比例折算新用量
func (s *CreditService) ChangePlan(ctx context.Context, userID string, plan ledger.Plan) (*ledger.Usage, error) {
	var usage ledger.Usage
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		before := acc.State()
		after, err := s.policy.ChangePlan(before, plan, s.now())
		if err != nil {
			return err
		}
		acc.Apply(after)
		if err := s.accountRepo.Save(ctx, tx, acc); err != nil {
			return err
		}
		meta := map[string]interface{}{"plan": string(plan)}
		if err := s.record(ctx, tx, userID, model.EntryTypePlanChange, decimal.Zero, before, after, "", meta); err != nil {
			return err
		}
		usage = s.policy.Usage(after)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// ResetIfDue 到期的 free 账户执行周期重置，返回是否发生重置
func (s *CreditService) ResetIfDue(ctx context.Context, userID string) (bool, error) {
	var reset bool
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		reset, err = s.resetIfDue(ctx, tx, acc)
		return err
	})
	return reset, err
}

// SweepResets 批量重置到期账户，返回重置数量
func (s *CreditService) SweepResets(ctx context.Context, limit int) (int, error) {
	accounts, err := s.accountRepo.ListResetDue(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("查询到期账户失败: %w", err)
	}
	count := 0
	for _, acc := range accounts {
		reset, err := s.ResetIfDue(ctx, acc.UserID)
		if err != nil {
			logger.L().Error("[CreditService] 周期重置失败", zap.String("user_id", acc.UserID), zap.Error(err))
			continue
		}
		if reset {
			count++
		}
	}
	return count, nil
}

// History 额度流水
func (s *CreditService) History(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	return s.ledgerRepo.ListByUserID(ctx, userID, page, pageSize)
}

// Stats 全局用量统计
type Stats struct {
	TotalUsers       int64            `json:"totalUsers"`
	TotalCreditsUsed float64          `json:"totalCreditsUsed"`
	AverageUsage     float64          `json:"averageUsage"`
	PlanDistribution map[string]int64 `json:"planDistribution"`
}

func (s *CreditService) Stats(ctx context.Context) (*Stats, error) {
	raw, err := s.accountRepo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	avg := decimal.Zero
	if raw.TotalUsers > 0 {
		avg = ledger.Round1(raw.TotalCreditsUsed.Div(decimal.NewFromInt(raw.TotalUsers)))
	}
	return &Stats{
		TotalUsers:       raw.TotalUsers,
		TotalCreditsUsed: raw.TotalCreditsUsed.InexactFloat64(),
		AverageUsage:     avg.InexactFloat64(),
		PlanDistribution: raw.PlanDistribution,
	}, nil
}

func (s *CreditService) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return err
		}
		logger.L().Warn("[CreditService] 乐观锁冲突，重试", zap.Int("attempt", attempt+1))
	}
	return err
}

// loadAccount 读取或创建账户，并在同一事务内执行到期重置
func (s *CreditService) loadAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	var acc *model.CreditAccount
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		acc, err = s.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, err = s.resetIfDue(ctx, tx, acc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *CreditService) lockAccount(ctx context.Context, tx *gorm.DB, userID string) (*model.CreditAccount, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	initial := &model.CreditAccount{UserID: userID}
	initial.Apply(s.policy.NewState(s.now()))
	if _, err := s.accountRepo.GetOrCreate(ctx, tx, initial); err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	return s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
}

func (s *CreditService) resetIfDue(ctx context.Context, tx *gorm.DB, acc *model.CreditAccount) (bool, error) {
	before := acc.State()
	after, reset := s.policy.ApplyReset(before, s.now())
	if !reset {
		return false, nil
	}
	acc.Apply(after)
	if err := s.accountRepo.Save(ctx, tx, acc); err != nil {
		return false, err
	}
	if err := s.record(ctx, tx, acc.UserID, model.EntryTypeReset, before.CreditsUsed, before, after, "", nil); err != nil {
		return false, err
	}
	return true, nil
}

// record 追加流水并写入 outbox，与账户变更同事务
func (s *CreditService) record(ctx context.Context, tx *gorm.DB, userID, entryType string, amount decimal.Decimal, before, after ledger.State, reference string, meta map[string]interface{}) error {
	entry := &model.LedgerEntry{
		EntryNo:    idgen.GenerateEntryNo(),
		UserID:     userID,
		Type:       entryType,
		Amount:     amount,
		UsedBefore: before.CreditsUsed,
		UsedAfter:  after.CreditsUsed,
		PlanBefore: string(before.Plan),
		PlanAfter:  string(after.Plan),
		Reference:  reference,
		Meta:       meta,
	}
	if err := s.ledgerRepo.Create(ctx, tx, entry); err != nil {
		return fmt.Errorf("记录流水失败: %w", err)
	}

	event := LedgerEvent{
		EntryNo:    entry.EntryNo,
		UserID:     userID,
		Type:       entryType,
		Amount:     amount.StringFixed(1),
		UsedBefore: before.CreditsUsed.StringFixed(1),
		UsedAfter:  after.CreditsUsed.StringFixed(1),
		PlanBefore: string(before.Plan),
		PlanAfter:  string(after.Plan),
		Reference:  reference,
		OccurredAt: s.now().UTC(),
	}
	if err := s.outboxRepo.Enqueue(ctx, tx, s.topic, eventTypeFor(entryType), userID, event); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

func eventTypeFor(entryType string) string {
	switch entryType {
	case model.EntryTypeDeduct:
		return model.EventCreditsDeducted
	case model.EntryTypeTopUp, model.EntryTypeGrant:
		return model.EventCreditsToppedUp
	default:
		return model.EventPlanChanged
	}
}
