package service

import (
	"context"
	"strings"
	"time"

	"creditgate/internal/infrastructure/llm"
	"creditgate/internal/metrics"
	"creditgate/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	minWordsFirstTurn = 10
	minWordsFollowUp  = 5
	chatTemperature   = 0.7
)

// ValidationError 请求内容不合法，Message 直接返回给客户端
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrNoUserMessage    = &ValidationError{Message: "Missing required fields"}
	ErrFirstTooShort    = &ValidationError{Message: "Share at least 10 words for deeper insights."}
	ErrFollowUpTooShort = &ValidationError{Message: "Share at least 5 words so Elara can follow you."}
)

type ChatService struct {
	llm     llm.Client
	credits *CreditService
	model   string
	cost    decimal.Decimal
	metrics *metrics.CreditMetrics
}

func NewChatService(client llm.Client, credits *CreditService, model string, cost decimal.Decimal) *ChatService {
	return &ChatService{
		llm:     client,
		credits: credits,
		model:   model,
		cost:    cost,
		metrics: metrics.GetMetrics(),
	}
}

// ValidateMessages 最新一条用户消息首轮不少于 10 词，后续不少于 5 词
func ValidateMessages(msgs []llm.Message) error {
	userTurns := 0
	last := ""
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			userTurns++
			last = m.Content
		}
	}
	if userTurns == 0 {
		return ErrNoUserMessage
	}
	words := len(strings.Fields(last))
	if userTurns == 1 && words < minWordsFirstTurn {
		return ErrFirstTooShort
	}
	if userTurns > 1 && words < minWordsFollowUp {
		return ErrFollowUpTooShort
	}
	return nil
}

// Precheck 校验消息并检查额度，流开始前调用
func (s *ChatService) Precheck(ctx context.Context, userID string, msgs []llm.Message) error {
	if err := ValidateMessages(msgs); err != nil {
		return err
	}
	check, err := s.credits.CheckLimit(ctx, userID, s.cost)
	if err != nil {
		return err
	}
	if !check.CanUse {
		return &InsufficientCreditsError{Remaining: check.Remaining, Plan: check.Plan}
	}
	return nil
}

// Stream 流式输出回复，完整结束后扣减额度；上游失败或客户端断开时不扣减
func (s *ChatService) Stream(ctx context.Context, userID string, msgs []llm.Message, onChunk func(string) error) error {
	prompt := buildChatMessages(msgs)

	start := time.Now()
	err := s.llm.StreamChat(ctx, s.model, prompt, chatTemperature, onChunk)
	s.metrics.LLMDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if _, err := s.credits.Deduct(ctx, userID, s.cost, "chat", ""); err != nil {
		logger.L().Error("[ChatService] 回复完成后扣减额度失败", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

func buildChatMessages(msgs []llm.Message) []llm.Message {
	userTurns := 0
	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			userTurns++
		case llm.RoleAssistant:
		default:
			// 客户端传入的 system 消息不透传
			continue
		}
		history = append(history, m)
	}

	instructions := counselorFollowupStructure
	if userTurns <= 1 {
		instructions = counselorInitialStructure
	}
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: counselorBasePrompt + "\n\n" + instructions})
	return append(out, history...)
}
