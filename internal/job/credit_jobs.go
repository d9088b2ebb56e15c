package job

import (
	"context"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/service"
	"creditgate/pkg/logger"

	"go.uber.org/zap"
)

// PlanResetJob 定期重置到期的 free 账户，读路径上的惰性重置之外的兜底
type PlanResetJob struct {
	credits   *service.CreditService
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewPlanResetJob(credits *service.CreditService) *PlanResetJob {
	return &PlanResetJob{
		credits:   credits,
		stopCh:    make(chan struct{}),
		interval:  10 * time.Minute,
		batchSize: 200,
	}
}

func (j *PlanResetJob) Start(ctx context.Context) {
	logger.L().Info("[PlanResetJob] 额度周期重置任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.L().Info("[PlanResetJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logger.L().Info("[PlanResetJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PlanResetJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮重置，cron 入口同样调用
func (j *PlanResetJob) RunOnce(ctx context.Context) int {
	n, err := j.credits.SweepResets(ctx, j.batchSize)
	if err != nil {
		logger.L().Error("[PlanResetJob] 重置失败", zap.Error(err))
		return 0
	}
	if n > 0 {
		logger.L().Info("[PlanResetJob] 本次重置账户", zap.Int("count", n))
	}
	return n
}

// PurchaseReconcileJob 对客户端中途离开的购买重新轮询确认数
type PurchaseReconcileJob struct {
	confirmations *service.ConfirmationService
	stopCh        chan struct{}
	interval      time.Duration
	minAge        time.Duration
	batchSize     int
}

func NewPurchaseReconcileJob(confirmations *service.ConfirmationService, cfg *config.Config) *PurchaseReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &PurchaseReconcileJob{
		confirmations: confirmations,
		stopCh:        make(chan struct{}),
		interval:      interval,
		minAge:        time.Duration(cfg.Business.ReconcileMinAgeSeconds) * time.Second,
		batchSize:     50,
	}
}

func (j *PurchaseReconcileJob) Start(ctx context.Context) {
	logger.L().Info("[PurchaseReconcileJob] 购买对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.L().Info("[PurchaseReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			logger.L().Info("[PurchaseReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PurchaseReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *PurchaseReconcileJob) RunOnce(ctx context.Context) int {
	n, err := j.confirmations.ReconcileUnsettled(ctx, j.minAge, j.batchSize)
	if err != nil {
		logger.L().Error("[PurchaseReconcileJob] 对账失败", zap.Error(err))
		return 0
	}
	if n > 0 {
		logger.L().Info("[PurchaseReconcileJob] 补偿入账", zap.Int("count", n))
	}
	return n
}
