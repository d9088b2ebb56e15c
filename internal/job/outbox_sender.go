package job

import (
	"context"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/mq"
	"creditgate/internal/metrics"
	"creditgate/internal/model"
	"creditgate/internal/repository"
	"creditgate/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 轮询本地消息表，把账本事件投递到消息队列
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	cfg        *config.Config
	metrics    *metrics.CreditMetrics
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		cfg:        cfg,
		metrics:    metrics.GetMetrics(),
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	logger.L().Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.L().Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			logger.L().Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 处理一批待发送消息，返回发送成功数量
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		logger.L().Error("[OutboxSender] 查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	headers := map[string]string{"event_type": msg.EventType}
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload, headers)

	if err == nil {
		s.metrics.OutboxPublishTotal.WithLabelValues("sent").Inc()
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			logger.L().Error("[OutboxSender] 更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return false
		}
		logger.L().Debug("[OutboxSender] 消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey),
			zap.String("event_type", msg.EventType))
		return true
	}

	logger.L().Warn("[OutboxSender] 消息发送失败", zap.Int64("id", msg.ID), zap.Error(err))

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		logger.L().Error("[OutboxSender] 增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		s.metrics.OutboxPublishTotal.WithLabelValues("failed").Inc()
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			logger.L().Error("[OutboxSender] 标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			logger.L().Warn("[OutboxSender] 消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID))
		}
		return false
	}
	s.metrics.OutboxPublishTotal.WithLabelValues("retry").Inc()
	return false
}
